package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dnslin/authrelay/core/httpclient"
)

// AuthError 表示刷新失败后的终末认证错误，收到该错误的调用方
// 只能引导用户重新登录。
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("认证失败: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ReplayFunc 在刷新成功后用新凭证重放一个请求。
type ReplayFunc func(req *http.Request, out any, token *Token) error

// queuedRequest 是刷新期间到达的请求，持有请求描述与结果通道。
type queuedRequest struct {
	id     string
	req    *http.Request
	out    any
	replay ReplayFunc
	done   chan error
}

// Coordinator 保证同一时刻至多一次在途刷新，并把结果广播给
// 刷新期间累积的全部请求。队列在成功时按到达顺序逐个重放，
// 失败时统一拒绝并触发一次去认证回调。
type Coordinator struct {
	source         TokenSource
	onDeauth       func(error)
	refreshTimeout time.Duration
	logger         httpclient.Logger

	mu         sync.Mutex
	refreshing bool
	queue      []*queuedRequest
}

// CoordinatorOption 自定义 Coordinator。
type CoordinatorOption func(*Coordinator)

// WithDeauthCallback 设置终末认证失败的回调，每个失败周期恰好触发一次。
func WithDeauthCallback(fn func(error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onDeauth = fn
	}
}

// WithRefreshTimeout 设置单次刷新调用的时间上限。
func WithRefreshTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.refreshTimeout = timeout
		}
	}
}

// WithCoordinatorLogger 注入日志。
func WithCoordinatorLogger(logger httpclient.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator 创建刷新协调器。
func NewCoordinator(source TokenSource, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		source:         source,
		refreshTimeout: 30 * time.Second,
		logger:         httpclient.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = httpclient.NopLogger{}
	}
	return c
}

// Recover 在请求遭遇鉴权失败后进入恢复流程。空闲状态下当前请求
// 成为刷新的发起者，刷新成功后直接重放自身；已有刷新在途时请求
// 入队，由刷新结果统一决定重放或拒绝。
func (c *Coordinator) Recover(req *http.Request, out any, replay ReplayFunc) error {
	if c.source == nil {
		return ErrTokenSourceNil
	}
	c.mu.Lock()
	if c.refreshing {
		q := &queuedRequest{
			id:     uuid.NewString(),
			req:    req,
			out:    out,
			replay: replay,
			done:   make(chan error, 1),
		}
		c.queue = append(c.queue, q)
		c.mu.Unlock()
		c.logger.Debugf("刷新在途，请求 %s 入队等待 %s", q.id, req.URL.Path)

		select {
		case err := <-q.done:
			return err
		case <-req.Context().Done():
			// 等待方自行超时或取消，从队列摘除，不影响共享的刷新状态。
			c.dequeue(q)
			return req.Context().Err()
		}
	}
	c.refreshing = true
	c.mu.Unlock()
	c.logger.Debugf("请求 %s 触发凭证刷新", req.URL.Path)

	leader := make(chan outcome, 1)
	go c.runRefresh(leader)

	select {
	case oc := <-leader:
		if oc.err != nil {
			return oc.err
		}
		return replay(req, out, oc.token)
	case <-req.Context().Done():
		// 发起者超时不中断刷新，排队请求仍由刷新结果决定去留。
		return req.Context().Err()
	}
}

// Refreshing 报告当前是否有刷新在途。
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

type outcome struct {
	token *Token
	err   error
}

// runRefresh 执行刷新并结算本周期的全部等待者。刷新使用协调器
// 自己的上下文，单个调用方的取消不会传导进来。
func (c *Coordinator) runRefresh(leader chan<- outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	token, err := c.source.Refresh(ctx)
	if err == nil && token == nil {
		err = ErrEmptyRefresh
	}

	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.refreshing = false
	c.mu.Unlock()

	if err != nil {
		authErr := &AuthError{Err: err}
		c.logger.Errorf("凭证刷新失败，拒绝 %d 个排队请求: %v", len(pending), err)
		leader <- outcome{err: authErr}
		for _, q := range pending {
			q.done <- authErr
		}
		if c.onDeauth != nil {
			c.onDeauth(authErr)
		}
		return
	}

	c.logger.Debugf("凭证刷新成功，按到达顺序重放 %d 个排队请求", len(pending))
	leader <- outcome{token: token}
	for _, q := range pending {
		if ctxErr := q.req.Context().Err(); ctxErr != nil {
			// 等待方已取消，跳过重放避免结算一个不存在的调用。
			q.done <- ctxErr
			continue
		}
		q.done <- q.replay(q.req, q.out, token)
	}
}

func (c *Coordinator) dequeue(target *queuedRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
