package httpclient

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// RateLimiter 在发送请求前阻塞，直到允许放行。
type RateLimiter interface {
	Wait(ctx context.Context, req *http.Request) error
}

// TokenBucketLimiter 是单桶令牌限流器。客户端通常只面向一个 API 域，
// 按 host 细分的多桶在此场景下没有收益。
type TokenBucketLimiter struct {
	mu     sync.Mutex
	qps    float64
	burst  int
	tokens float64
	last   time.Time
}

// NewTokenBucketLimiter 创建限流器，qps 为每秒放行数。
func NewTokenBucketLimiter(qps float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		qps:    qps,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Wait 阻塞直到获得令牌或上下文取消。
func (l *TokenBucketLimiter) Wait(ctx context.Context, _ *http.Request) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	for {
		wait := l.reserve(time.Now())
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *TokenBucketLimiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * l.qps
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.last = now
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	need := 1 - l.tokens
	return time.Duration(need / l.qps * float64(time.Second))
}
