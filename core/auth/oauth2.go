package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Source 将 golang.org/x/oauth2 适配为本模块的 TokenSource。
// 读取时遵循 oauth2 自身的过期判断；强制刷新通过构造已过期副本
// 触发底层 TokenSource 换票。onSave 在拿到新 token 后调用，用于持久化。
type OAuth2Source struct {
	mu      sync.Mutex
	config  *oauth2.Config
	current *oauth2.Token
	onSave  func(*oauth2.Token) error
}

// NewOAuth2Source 创建 oauth2 适配器。
func NewOAuth2Source(config *oauth2.Config, initial *oauth2.Token, onSave func(*oauth2.Token) error) *OAuth2Source {
	return &OAuth2Source{
		config:  config,
		current: initial,
		onSave:  onSave,
	}
}

// Token 返回当前凭证，必要时由 oauth2 自动换票。
func (s *OAuth2Source) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrTokensNotFound
	}
	tok, err := s.config.TokenSource(ctx, s.current).Token()
	if err != nil {
		return nil, err
	}
	if err := s.persist(tok); err != nil {
		return nil, err
	}
	return convertOAuth2(tok), nil
}

// Refresh 无视剩余有效期强制换票。
func (s *OAuth2Source) Refresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	stale := &oauth2.Token{
		RefreshToken: s.current.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	tok, err := s.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, err
	}
	if err := s.persist(tok); err != nil {
		return nil, err
	}
	return convertOAuth2(tok), nil
}

func (s *OAuth2Source) persist(tok *oauth2.Token) error {
	if tok == s.current {
		return nil
	}
	if s.onSave != nil {
		if err := s.onSave(tok); err != nil {
			return err
		}
	}
	s.current = tok
	return nil
}

func convertOAuth2(tok *oauth2.Token) *Token {
	if tok == nil {
		return nil
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}
