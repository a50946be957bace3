package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnslin/authrelay/core/httpclient"
)

// HTTPRefresher 通过刷新接口换取新凭证：提交当前 refresh token，
// 解析返回的新 token 对。刷新接口本身不要求鉴权头，因此这里
// 使用独立的传输客户端，不经过调度器。
type HTTPRefresher struct {
	client     *httpclient.Client
	refreshURL string
	clientID   string
	now        func() time.Time
	logger     httpclient.Logger
}

// HTTPRefresherOption 自定义 HTTPRefresher。
type HTTPRefresherOption func(*HTTPRefresher)

// WithRefreshClientID 设置随表单提交的 client_id。
func WithRefreshClientID(clientID string) HTTPRefresherOption {
	return func(r *HTTPRefresher) {
		r.clientID = clientID
	}
}

// WithRefreshNow 替换时间来源。
func WithRefreshNow(now func() time.Time) HTTPRefresherOption {
	return func(r *HTTPRefresher) {
		r.now = now
	}
}

// WithRefreshLogger 注入日志。
func WithRefreshLogger(logger httpclient.Logger) HTTPRefresherOption {
	return func(r *HTTPRefresher) {
		r.logger = logger
	}
}

// NewHTTPRefresher 创建刷新器。client 为 nil 时使用默认传输客户端。
func NewHTTPRefresher(client *httpclient.Client, refreshURL string, opts ...HTTPRefresherOption) *HTTPRefresher {
	if client == nil {
		client = httpclient.NewClient()
	}
	r := &HTTPRefresher{
		client:     client,
		refreshURL: refreshURL,
		now:        time.Now,
		logger:     httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = httpclient.NopLogger{}
	}
	return r
}

// Refresh 提交 refresh token 并解析新凭证。
func (r *HTTPRefresher) Refresh(ctx context.Context, current *Token) (*Token, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	if r.clientID != "" {
		form.Set("client_id", r.clientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload struct {
		AccessToken  string `json:"accessToken,omitempty"`
		RefreshToken string `json:"refreshToken,omitempty"`
		ExpiresIn    int    `json:"expiresIn,omitempty"`
	}
	if err := r.client.Do(req, &payload); err != nil {
		r.logger.Errorf("刷新接口调用失败: %v", err)
		return nil, err
	}
	if payload.AccessToken == "" {
		return nil, ErrEmptyRefresh
	}
	token := &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		token.ExpiresAt = r.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}
