package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dnslin/authrelay/core/auth"
	coreerrors "github.com/dnslin/authrelay/core/errors"
	"github.com/dnslin/authrelay/core/httpclient"
)

// DefaultTimeout 是单次调用的默认时间上限。
const DefaultTimeout = 10 * time.Second

// Client 是面向调用方的有界调用门面：按动词封装请求构造、
// JSON 序列化与单次调用的超时保护，实际收发交给 Dispatcher。
type Client struct {
	dispatcher *auth.Dispatcher
	baseURL    string
	timeout    time.Duration
	headers    http.Header
	logger     httpclient.Logger

	// 仅在构造期使用，用于组装默认 Dispatcher。
	transport      *httpclient.Client
	exclude        []string
	authCodes      []string
	onUnauthorized func(error)
	refreshTimeout time.Duration
}

// Option 配置门面。
type Option func(*Client)

// WithBaseURL 设置基础地址，相对路径基于它拼接。
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithTimeout 替换默认的单次调用超时。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithExcludePaths 设置免鉴权的路径前缀。
func WithExcludePaths(prefixes ...string) Option {
	return func(c *Client) {
		c.exclude = append(c.exclude, prefixes...)
	}
}

// WithAuthCodes 替换识别为鉴权失败的业务错误码集合。
func WithAuthCodes(codes ...string) Option {
	return func(c *Client) {
		c.authCodes = append([]string(nil), codes...)
	}
}

// WithOnUnauthorized 设置终末认证失败的回调，每个失败周期恰好触发一次。
func WithOnUnauthorized(fn func(error)) Option {
	return func(c *Client) {
		c.onUnauthorized = fn
	}
}

// WithRefreshTimeout 设置单次刷新调用的时间上限。
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.refreshTimeout = timeout
	}
}

// WithHTTPClient 注入传输客户端（重试、限流等在其上配置）。
func WithHTTPClient(client *httpclient.Client) Option {
	return func(c *Client) {
		c.transport = client
	}
}

// WithDispatcher 直接注入调度器，覆盖上述组装参数。
func WithDispatcher(dispatcher *auth.Dispatcher) Option {
	return func(c *Client) {
		c.dispatcher = dispatcher
	}
}

// WithHeader 设置随每次调用发送的默认请求头。
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New 创建门面。未注入 Dispatcher 时按选项组装默认的协调器与调度器。
func New(source auth.TokenSource, opts ...Option) *Client {
	c := &Client{
		timeout: DefaultTimeout,
		headers: http.Header{},
		logger:  httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = httpclient.NopLogger{}
	}
	if c.dispatcher == nil {
		coordOpts := []auth.CoordinatorOption{auth.WithCoordinatorLogger(c.logger)}
		if c.onUnauthorized != nil {
			coordOpts = append(coordOpts, auth.WithDeauthCallback(c.onUnauthorized))
		}
		if c.refreshTimeout > 0 {
			coordOpts = append(coordOpts, auth.WithRefreshTimeout(c.refreshTimeout))
		}
		coord := auth.NewCoordinator(source, coordOpts...)

		dispOpts := []auth.DispatcherOption{
			auth.WithDispatcherLogger(c.logger),
			auth.WithExcludePaths(c.exclude...),
		}
		if c.transport != nil {
			dispOpts = append(dispOpts, auth.WithTransport(c.transport))
		}
		if len(c.authCodes) > 0 {
			dispOpts = append(dispOpts, auth.WithAuthCodes(c.authCodes...))
		}
		c.dispatcher = auth.NewDispatcher(source, coord, dispOpts...)
	}
	return c
}

// CallOption 配置单次调用。
type CallOption func(*callSettings)

type callSettings struct {
	timeout time.Duration
	headers http.Header
}

// WithCallTimeout 替换本次调用的超时。
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(s *callSettings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithCallHeader 设置本次调用的附加请求头。
func WithCallHeader(key, value string) CallOption {
	return func(s *callSettings) {
		s.headers.Set(key, value)
	}
}

// Get 发送 GET 请求并将 JSON 响应解码到 out。
func (c *Client) Get(ctx context.Context, path string, out any, opts ...CallOption) error {
	return c.Call(ctx, http.MethodGet, path, nil, out, opts...)
}

// Post 发送 POST 请求。
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.Call(ctx, http.MethodPost, path, body, out, opts...)
}

// Put 发送 PUT 请求。
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.Call(ctx, http.MethodPut, path, body, out, opts...)
}

// Patch 发送 PATCH 请求。
func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return c.Call(ctx, http.MethodPatch, path, body, out, opts...)
}

// Delete 发送 DELETE 请求。
func (c *Client) Delete(ctx context.Context, path string, out any, opts ...CallOption) error {
	return c.Call(ctx, http.MethodDelete, path, nil, out, opts...)
}

// Call 执行一次带超时保护的请求。超时到期时本次调用被取消并返回
// TimeoutError，不影响共享的刷新状态与其他在途调用。
func (c *Client) Call(ctx context.Context, method, path string, body, out any, opts ...CallOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	call := callSettings{timeout: c.timeout, headers: http.Header{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}

	payload, err := encodeBody(body)
	if err != nil {
		return coreerrors.Wrap(coreerrors.ErrCodeInvalidArgument, "api: 请求体序列化失败", err)
	}

	tctx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, method, c.resolve(path), payload)
	if err != nil {
		return coreerrors.Wrap(coreerrors.ErrCodeInvalidArgument, "api: 构造请求失败", err)
	}
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	for key, values := range call.headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	err = c.dispatcher.Do(req, out)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		c.logger.Debugf("%s %s 超时(%v)", method, path, call.timeout)
		return &httpclient.TimeoutError{Timeout: call.timeout, Err: err}
	}
	return err
}

// resolve 将相对路径拼接到基础地址之后，绝对地址原样返回。
func (c *Client) resolve(path string) string {
	if c.baseURL == "" || strings.Contains(path, "://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// encodeBody 将请求体规范化为可重放的 io.Reader。字符串与字节串
// 原样透传，其余类型序列化为 JSON。
func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.NewReader(b), nil
	case []byte:
		return bytes.NewReader(b), nil
	case json.RawMessage:
		return bytes.NewReader(b), nil
	case io.Reader:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}
