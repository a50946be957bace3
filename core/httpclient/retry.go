package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryPolicy 决定网络层是否对失败的请求再次发送。
// 鉴权类错误不在此层重试，交由上层调度器处理。
type RetryPolicy interface {
	ShouldRetry(req *http.Request, err error, attempt int) (bool, time.Duration)
}

// RetryConfig 配置指数退避重试。
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
}

// DefaultRetryConfig 返回默认的退避参数。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// ExponentialBackoffRetry 对网络错误与服务端 5xx 做指数退避重试。
type ExponentialBackoffRetry struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
}

// NewExponentialBackoffRetry 创建重试策略。
func NewExponentialBackoffRetry(cfg RetryConfig) *ExponentialBackoffRetry {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	return &ExponentialBackoffRetry{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		logger:     logger,
	}
}

// ShouldRetry 根据错误类型决定是否重试。
func (r *ExponentialBackoffRetry) ShouldRetry(req *http.Request, err error, attempt int) (bool, time.Duration) {
	if r == nil || attempt >= r.maxRetries {
		return false, 0
	}
	if req != nil && req.Context().Err() != nil {
		return false, 0
	}
	delay := r.backoff(attempt)

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if errors.Is(netErr.Err, context.Canceled) || errors.Is(netErr.Err, context.DeadlineExceeded) {
			return false, 0
		}
		r.logger.Debugf("网络错误，第 %d 次重试", attempt+1)
		return true, delay
	}

	var ec *ErrCode
	if errors.As(err, &ec) && ec.Status >= http.StatusInternalServerError {
		r.logger.Debugf("服务端错误(status=%d)，第 %d 次重试", ec.Status, attempt+1)
		return true, delay
	}

	return false, 0
}

func (r *ExponentialBackoffRetry) backoff(attempt int) time.Duration {
	base := r.baseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := r.maxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	delay := base << attempt
	if delay > max {
		delay = max
	}
	return delay
}
