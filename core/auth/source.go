package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	coreerrors "github.com/dnslin/authrelay/core/errors"
	"github.com/dnslin/authrelay/core/httpclient"
	"github.com/dnslin/authrelay/core/store"
)

var (
	// ErrTokensNotFound 用于标记存储中不存在凭证，与 store 包共用错误码。
	ErrTokensNotFound = store.ErrTokensNotFound
	// ErrTokenSourceNil 在未注入凭证来源时返回。
	ErrTokenSourceNil = coreerrors.New(coreerrors.ErrCodeInvalidConfig, "auth: TokenSource 未设置")
	// ErrTokenStoreNil 在未注入存储时返回。
	ErrTokenStoreNil = coreerrors.New(coreerrors.ErrCodeInvalidConfig, "auth: TokenStore 未设置")
	// ErrRefresherNil 需要刷新但未配置刷新器时返回。
	ErrRefresherNil = coreerrors.New(coreerrors.ErrCodeInvalidConfig, "auth: 未配置刷新器")
	// ErrEmptyRefresh 表示刷新调用未返回新凭证，视为终末失败。
	ErrEmptyRefresh = coreerrors.New(coreerrors.ErrCodeUnauthorized, "auth: 刷新未返回新凭证")
	// ErrMissingRefreshToken 在没有 refresh token 可用时返回。
	ErrMissingRefreshToken = coreerrors.New(coreerrors.ErrCodeUnauthorized, "auth: 缺少 refresh token")
)

// TokenSource 提供当前凭证并承担实际的刷新动作。
// Refresh 返回错误或 nil 凭证均视为终末失败，调用方应强制重新登录。
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
	Refresh(ctx context.Context) (*Token, error)
}

// Refresher 执行一次具体的刷新调用，由 TokenSource 实现方组合。
type Refresher interface {
	Refresh(ctx context.Context, current *Token) (*Token, error)
}

// StoreTokenSource 组合持久化存储与刷新器：读取时对临近过期的凭证
// 做前置刷新，刷新成功后立即落盘。
type StoreTokenSource struct {
	mu        sync.Mutex
	store     store.TokenStore[*Token]
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	logger    httpclient.Logger
}

// StoreSourceOption 自定义 StoreTokenSource。
type StoreSourceOption func(*StoreTokenSource)

// WithExpirySkew 设置提前刷新窗口，凭证剩余有效期小于该值时视为过期。
func WithExpirySkew(skew time.Duration) StoreSourceOption {
	return func(s *StoreTokenSource) {
		s.skew = skew
	}
}

// WithSourceNow 替换时间来源。
func WithSourceNow(now func() time.Time) StoreSourceOption {
	return func(s *StoreTokenSource) {
		s.now = now
	}
}

// WithSourceLogger 注入日志。
func WithSourceLogger(logger httpclient.Logger) StoreSourceOption {
	return func(s *StoreTokenSource) {
		s.logger = logger
	}
}

// NewStoreTokenSource 创建基于存储的凭证来源。
func NewStoreTokenSource(st store.TokenStore[*Token], refresher Refresher, opts ...StoreSourceOption) *StoreTokenSource {
	s := &StoreTokenSource{
		store:     st,
		refresher: refresher,
		skew:      time.Minute,
		now:       time.Now,
		logger:    httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = httpclient.NopLogger{}
	}
	return s
}

// Token 返回当前凭证，临近过期时先行刷新。
func (s *StoreTokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.load()
	if err != nil && !errors.Is(err, ErrTokensNotFound) {
		return nil, err
	}
	if token != nil && !token.Expired(s.now().Add(s.skew)) {
		return token.Clone(), nil
	}
	return s.refreshLocked(ctx, token)
}

// Refresh 强制执行一次刷新并持久化结果。
func (s *StoreTokenSource) Refresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.load()
	if err != nil && !errors.Is(err, ErrTokensNotFound) {
		return nil, err
	}
	return s.refreshLocked(ctx, token)
}

// Clear 丢弃已持久化的凭证，通常在终末认证失败后由应用调用。
func (s *StoreTokenSource) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return ErrTokenStoreNil
	}
	return s.store.ClearTokens()
}

func (s *StoreTokenSource) load() (*Token, error) {
	if s.store == nil {
		return nil, ErrTokenStoreNil
	}
	return s.store.LoadTokens()
}

func (s *StoreTokenSource) refreshLocked(ctx context.Context, current *Token) (*Token, error) {
	if s.refresher == nil {
		return nil, ErrRefresherNil
	}
	token, err := s.refresher.Refresh(ctx, current)
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		return nil, ErrEmptyRefresh
	}
	if token.RefreshToken == "" && current != nil {
		// 服务端未轮换 refresh token 时沿用旧值。
		token = token.Clone()
		token.RefreshToken = current.RefreshToken
	}
	if err := s.store.SaveTokens(token); err != nil {
		return nil, err
	}
	s.logger.Debugf("凭证已刷新，过期时间 %v", token.ExpiresAt)
	return token.Clone(), nil
}

// StaticTokenSource 返回固定凭证，刷新视为终末失败。适用于长期 API key。
type StaticTokenSource struct {
	token *Token
}

// NewStaticTokenSource 创建固定凭证来源。
func NewStaticTokenSource(token *Token) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token 返回固定凭证。
func (s *StaticTokenSource) Token(context.Context) (*Token, error) {
	if s.token == nil {
		return nil, ErrTokensNotFound
	}
	return s.token.Clone(), nil
}

// Refresh 固定凭证无法刷新。
func (s *StaticTokenSource) Refresh(context.Context) (*Token, error) {
	return nil, ErrMissingRefreshToken
}
