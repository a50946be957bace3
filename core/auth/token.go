package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token 记录一组访问凭证。
type Token struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Expired 判断凭证是否已过期。未显式记录过期时间时，尝试从
// JWT 的 exp 声明推断；两者都缺失则视为长期有效。
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	exp := t.ExpiresAt
	if exp.IsZero() {
		exp = jwtExpiry(t.AccessToken)
	}
	if exp.IsZero() {
		return false
	}
	return !now.Before(exp)
}

// Clone 返回凭证的浅拷贝，避免直接暴露内部指针。
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// jwtExpiry 在不校验签名的前提下提取 JWT 的 exp 声明。
// 这里只做过期预判，凭证的真伪由服务端裁决。
func jwtExpiry(raw string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
