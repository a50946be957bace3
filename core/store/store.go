package store

import coreerrors "github.com/dnslin/authrelay/core/errors"

// ErrTokensNotFound 用于标记存储中不存在凭证。
var ErrTokensNotFound = coreerrors.New(coreerrors.ErrCodeNotFound, "store: 未找到凭证")

// TokenStore 抽象凭证持久化，由业务方约定具体的凭证结构体。
type TokenStore[T any] interface {
	SaveTokens(tokens T) error
	LoadTokens() (T, error)
	ClearTokens() error
}
