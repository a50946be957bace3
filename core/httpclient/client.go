package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Logger 由外部注入，核心层自身不产生输出。
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NopLogger 默认空日志实现。
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Errorf(string, ...any) {}

// Client 为统一的 HTTP 传输封装，负责中间件、限流与网络层重试。
// 鉴权失败的恢复不在此层处理，由上层调度器协调。
type Client struct {
	HTTP    *http.Client
	Prepare PrepareChain
	Retry   RetryPolicy
	Limiter RateLimiter
	Logger  Logger
}

// Option 配置客户端。
type Option func(*Client)

// WithHTTPClient 自定义 http.Client。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.HTTP = httpClient
	}
}

// WithRetryPolicy 设置网络层重试策略。
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.Retry = policy
	}
}

// WithRateLimiter 设置限流。
func WithRateLimiter(limiter RateLimiter) Option {
	return func(c *Client) {
		c.Limiter = limiter
	}
}

// WithLogger 注入日志。
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithMiddlewares 追加请求中间件链。
func WithMiddlewares(mw ...Middleware) Option {
	return func(c *Client) {
		c.Prepare = append(c.Prepare, mw...)
	}
}

// NewClient 创建带默认重试策略的客户端。
func NewClient(opts ...Option) *Client {
	client := &Client{
		HTTP:    &http.Client{},
		Prepare: PrepareChain{},
		Retry:   NewExponentialBackoffRetry(DefaultRetryConfig()),
		Logger:  NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.HTTP == nil {
		client.HTTP = &http.Client{}
	}
	if client.Logger == nil {
		client.Logger = NopLogger{}
	}
	return client
}

// Use 添加中间件。
func (c *Client) Use(mw ...Middleware) {
	c.Prepare = append(c.Prepare, mw...)
}

// Do 发送请求并按需解码 JSON 响应体到 out，包含中间件、限流与重试。
// out 为 nil 时丢弃响应体。
func (c *Client) Do(req *http.Request, out any) error {
	if req == nil {
		return errors.New("httpclient: 请求为空")
	}
	if c.HTTP == nil {
		return errors.New("httpclient: http.Client 未配置")
	}
	attempt := 0
	for {
		cloned, err := CloneForRetry(req, attempt)
		if err != nil {
			return err
		}
		err = c.execute(cloned, out)
		if err == nil {
			return nil
		}
		if c.Retry == nil {
			return err
		}
		retry, wait := c.Retry.ShouldRetry(cloned, err, attempt)
		if !retry {
			return err
		}
		attempt++
		if wait > 0 {
			select {
			case <-req.Context().Done():
				return &NetworkError{Err: req.Context().Err()}
			case <-time.After(wait):
			}
		}
	}
}

func (c *Client) execute(req *http.Request, out any) error {
	if c.Prepare != nil {
		if err := c.Prepare.Apply(req); err != nil {
			return err
		}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(req.Context(), req); err != nil {
			return err
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		var body errBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil {
			return body.toErrCode(resp.StatusCode)
		}
		return statusToErr(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
		if decodeErr == io.EOF {
			// 空响应体视为成功。
			return nil
		}
		return &DecodeError{Status: resp.StatusCode, Err: decodeErr}
	}
	return nil
}

// CloneForRetry 复制请求用于第 attempt 次发送。attempt 大于 0 时
// 依赖 GetBody 重建请求体，缺失 GetBody 的请求不可重放。
func CloneForRetry(req *http.Request, attempt int) (*http.Request, error) {
	cloned := req.Clone(req.Context())
	cloned.Header = req.Header.Clone()
	cloned.GetBody = req.GetBody
	cloned.ContentLength = req.ContentLength
	if req.Body == nil {
		return cloned, nil
	}
	if attempt == 0 {
		cloned.Body = req.Body
		return cloned, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("httpclient: 请求体不可重放")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	cloned.Body = body
	return cloned, nil
}
