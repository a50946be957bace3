package httpclient

import "net/http"

// Middleware 是请求预处理钩子，用于注入鉴权头、UA、Content-Type 等。
type Middleware func(req *http.Request) error

// PrepareChain 代表按顺序执行的中间件集合。
type PrepareChain []Middleware

// Apply 依次执行链路中的中间件，遇到错误立即返回。
func (c PrepareChain) Apply(req *http.Request) error {
	for _, mw := range c {
		if mw == nil {
			continue
		}
		if err := mw(req); err != nil {
			return err
		}
	}
	return nil
}

// WithHeader 设置请求头。
func WithHeader(key, value string) Middleware {
	return func(req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// WithUserAgent 设置 User-Agent。
func WithUserAgent(ua string) Middleware {
	return WithHeader("User-Agent", ua)
}

// WithContentType 设置 Content-Type。
func WithContentType(ct string) Middleware {
	return WithHeader("Content-Type", ct)
}

// WithAccept 设置 Accept。
func WithAccept(accept string) Middleware {
	return WithHeader("Accept", accept)
}

// WithHeaderIfAbsent 仅在调用方未显式设置时写入请求头。
func WithHeaderIfAbsent(key, value string) Middleware {
	return func(req *http.Request) error {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
		return nil
	}
}
