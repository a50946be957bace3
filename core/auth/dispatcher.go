package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dnslin/authrelay/core/httpclient"
)

// defaultAuthCodes 是默认识别为鉴权失败的业务错误码。
var defaultAuthCodes = []string{
	"InvalidToken",
	"InvalidAccessToken",
	"TokenExpired",
}

// Dispatcher 在传输层之上注入 Bearer 凭证，识别鉴权失败并交由
// Coordinator 恢复。排除路径前缀之内的请求不注入凭证，也不触发刷新。
type Dispatcher struct {
	client    *httpclient.Client
	source    TokenSource
	coord     *Coordinator
	exclude   []string
	authCodes map[string]struct{}
	logger    httpclient.Logger
}

// DispatcherOption 自定义 Dispatcher。
type DispatcherOption func(*Dispatcher)

// WithTransport 注入传输客户端。
func WithTransport(client *httpclient.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithExcludePaths 设置免鉴权的路径前缀。
func WithExcludePaths(prefixes ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.exclude = append(d.exclude, prefixes...)
	}
}

// WithAuthCodes 替换识别为鉴权失败的业务错误码集合。
func WithAuthCodes(codes ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.authCodes = make(map[string]struct{}, len(codes))
		for _, code := range codes {
			d.authCodes[code] = struct{}{}
		}
	}
}

// WithDispatcherLogger 注入日志。
func WithDispatcherLogger(logger httpclient.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher 创建调度器。coord 为 nil 时创建默认协调器。
func NewDispatcher(source TokenSource, coord *Coordinator, opts ...DispatcherOption) *Dispatcher {
	if coord == nil {
		coord = NewCoordinator(source)
	}
	d := &Dispatcher{
		client: httpclient.NewClient(),
		source: source,
		coord:  coord,
		logger: httpclient.NopLogger{},
	}
	d.authCodes = make(map[string]struct{}, len(defaultAuthCodes))
	for _, code := range defaultAuthCodes {
		d.authCodes[code] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = httpclient.NopLogger{}
	}
	return d
}

// Coordinator 返回调度器使用的刷新协调器。
func (d *Dispatcher) Coordinator() *Coordinator {
	return d.coord
}

// Do 发送请求并将 JSON 响应解码到 out。非排除路径的请求带上
// Bearer 头；遭遇鉴权失败时进入协调恢复，恢复后的重放至多一次。
// 带请求体的请求必须可通过 GetBody 重建，否则无法重放。
func (d *Dispatcher) Do(req *http.Request, out any) error {
	if req == nil || req.URL == nil {
		return errors.New("auth: 请求为空")
	}
	if d.source == nil {
		return ErrTokenSourceNil
	}
	excluded := d.excluded(req.URL.Path)
	if !excluded {
		d.authorize(req, nil)
	}
	err := d.client.Do(req, out)
	if err == nil || excluded || !d.unauthorized(err) {
		return err
	}
	d.logger.Debugf("请求 %s 鉴权失败，进入恢复流程", req.URL.Path)
	return d.coord.Recover(req, out, d.replay)
}

// authorize 注入 Bearer 头。token 为 nil 时向凭证来源取当前值；
// 取凭证失败不阻断请求，由服务端 401 驱动恢复。
func (d *Dispatcher) authorize(req *http.Request, token *Token) {
	if token == nil {
		current, err := d.source.Token(req.Context())
		if err != nil {
			d.logger.Debugf("获取当前凭证失败: %v", err)
			return
		}
		token = current
	}
	if token == nil || token.AccessToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
}

// replay 用新凭证重放一次请求，结果不再进入恢复流程。
func (d *Dispatcher) replay(req *http.Request, out any, token *Token) error {
	cloned, err := httpclient.CloneForRetry(req, 1)
	if err != nil {
		return err
	}
	d.authorize(cloned, token)
	return d.client.Do(cloned, out)
}

func (d *Dispatcher) excluded(path string) bool {
	for _, prefix := range d.exclude {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) unauthorized(err error) bool {
	var ec *httpclient.ErrCode
	if !errors.As(err, &ec) {
		return false
	}
	if ec.Status == http.StatusUnauthorized {
		return true
	}
	if ec.Code == "" {
		return false
	}
	_, ok := d.authCodes[ec.Code]
	return ok
}
