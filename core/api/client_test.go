package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnslin/authrelay/core/auth"
	"github.com/dnslin/authrelay/core/httpclient"
)

// fakeSource 是可控的凭证来源，刷新可注入延迟与失败。
type fakeSource struct {
	mu         sync.Mutex
	current    *auth.Token
	next       *auth.Token
	refreshErr error
	delay      time.Duration
	calls      int
}

func (s *fakeSource) Token(context.Context) (*auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, auth.ErrTokensNotFound
	}
	return s.current.Clone(), nil
}

func (s *fakeSource) Refresh(ctx context.Context) (*auth.Token, error) {
	s.mu.Lock()
	s.calls++
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	s.current = s.next.Clone()
	return s.current.Clone(), nil
}

func (s *fakeSource) refreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestClientVerbs(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	source := auth.NewStaticTokenSource(&auth.Token{AccessToken: "fixed"})
	client := New(source, WithBaseURL(server.URL))

	cases := []struct {
		name   string
		call   func() error
		method string
	}{
		{"get", func() error { return client.Get(context.Background(), "/v1/thing", nil) }, http.MethodGet},
		{"post", func() error { return client.Post(context.Background(), "/v1/thing", nil, nil) }, http.MethodPost},
		{"put", func() error { return client.Put(context.Background(), "/v1/thing", nil, nil) }, http.MethodPut},
		{"patch", func() error { return client.Patch(context.Background(), "/v1/thing", nil, nil) }, http.MethodPatch},
		{"delete", func() error { return client.Delete(context.Background(), "/v1/thing", nil) }, http.MethodDelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); err != nil {
				t.Fatalf("%s 调用失败: %v", tc.method, err)
			}
			if gotMethod != tc.method || gotPath != "/v1/thing" {
				t.Fatalf("请求不符: %s %s", gotMethod, gotPath)
			}
			if gotAuth != "Bearer fixed" {
				t.Fatalf("Authorization 头不符: %q", gotAuth)
			}
		})
	}
}

func TestClientJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer server.Close()

	source := auth.NewStaticTokenSource(&auth.Token{AccessToken: "fixed"})
	client := New(source, WithBaseURL(server.URL))

	var rsp struct {
		ID string `json:"id"`
	}
	err := client.Post(context.Background(), "/v1/items", map[string]string{"name": "配置"}, &rsp)
	if err != nil {
		t.Fatalf("POST 失败: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("默认 Content-Type 应为 application/json，实际 %q", gotContentType)
	}
	if gotBody["name"] != "配置" {
		t.Fatalf("请求体序列化不符: %+v", gotBody)
	}
	if rsp.ID != "42" {
		t.Fatalf("响应解析不符: %+v", rsp)
	}
}

func TestClientRawBodyAndHeaderOverride(t *testing.T) {
	var gotContentType, gotBody, gotTrace string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotTrace = r.Header.Get("X-Trace-Id")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	source := auth.NewStaticTokenSource(&auth.Token{AccessToken: "fixed"})
	client := New(source, WithBaseURL(server.URL), WithHeader("X-Trace-Id", "t-1"))

	err := client.Post(context.Background(), "/v1/raw", "a=1&b=2", nil,
		WithCallHeader("Content-Type", "application/x-www-form-urlencoded"))
	if err != nil {
		t.Fatalf("POST 失败: %v", err)
	}
	if gotBody != "a=1&b=2" {
		t.Fatalf("字符串请求体应原样透传，实际 %q", gotBody)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("调用级 Content-Type 应覆盖默认值，实际 %q", gotContentType)
	}
	if gotTrace != "t-1" {
		t.Fatalf("默认请求头未发送: %q", gotTrace)
	}
}

func TestClientCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	source := auth.NewStaticTokenSource(&auth.Token{AccessToken: "fixed"})
	client := New(source, WithBaseURL(server.URL))

	err := client.Get(context.Background(), "/v1/slow", nil, WithCallTimeout(50*time.Millisecond))
	var te *httpclient.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("超时应返回 TimeoutError，实际: %v", err)
	}
	if te.Timeout != 50*time.Millisecond {
		t.Fatalf("超时时长不符: %v", te.Timeout)
	}
}

func TestClientCallerCancelNotTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	source := auth.NewStaticTokenSource(&auth.Token{AccessToken: "fixed"})
	client := New(source, WithBaseURL(server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := client.Get(ctx, "/v1/slow", nil)
	if err == nil {
		t.Fatal("取消后应返回错误")
	}
	var te *httpclient.TimeoutError
	if errors.As(err, &te) {
		t.Fatalf("调用方主动取消不应映射为 TimeoutError: %v", err)
	}
}

func TestClientRefreshExceedsCallerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	source := &fakeSource{
		current: &auth.Token{AccessToken: "stale"},
		next:    &auth.Token{AccessToken: "fresh"},
		delay:   300 * time.Millisecond,
	}
	client := New(source, WithBaseURL(server.URL))

	err := client.Get(context.Background(), "/v1/profile", nil, WithCallTimeout(50*time.Millisecond))
	var te *httpclient.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("刷新超出调用时限应返回 TimeoutError，实际: %v", err)
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		t.Fatalf("慢刷新不应被判为终末认证失败: %v", err)
	}
}

func TestClientConcurrentRefresh(t *testing.T) {
	var token atomic.Value
	token.Store("stale")
	var served int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&served, 1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	source := &fakeSource{
		current: &auth.Token{AccessToken: "bad"},
		next:    &auth.Token{AccessToken: "stale"},
		delay:   50 * time.Millisecond,
	}
	client := New(source, WithBaseURL(server.URL))

	const workers = 5
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			errs <- client.Get(context.Background(), "/v1/profile", nil)
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("并发请求失败: %v", err)
		}
	}
	if calls := source.refreshCalls(); calls != 1 {
		t.Fatalf("并发 401 应只触发一次刷新，实际 %d 次", calls)
	}
	if got := atomic.LoadInt32(&served); got != workers {
		t.Fatalf("刷新后应全部重放成功，实际 %d", got)
	}
}

func TestClientTerminalAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var deauth int32
	source := &fakeSource{
		current:    &auth.Token{AccessToken: "stale"},
		refreshErr: errors.New("refresh token 已吊销"),
	}
	client := New(source,
		WithBaseURL(server.URL),
		WithOnUnauthorized(func(error) { atomic.AddInt32(&deauth, 1) }),
	)

	err := client.Get(context.Background(), "/v1/profile", nil)
	var ae *auth.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("刷新失败应返回 AuthError，实际: %v", err)
	}
	if got := atomic.LoadInt32(&deauth); got != 1 {
		t.Fatalf("登出回调应恰好触发一次，实际 %d", got)
	}
}

func TestClientExcludedPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("免鉴权路径不应携带 Authorization 头")
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	source := &fakeSource{current: &auth.Token{AccessToken: "stale"}}
	client := New(source, WithBaseURL(server.URL), WithExcludePaths("/auth/"))

	if err := client.Post(context.Background(), "/auth/login", nil, nil); err != nil {
		t.Fatalf("免鉴权调用失败: %v", err)
	}
	if calls := source.refreshCalls(); calls != 0 {
		t.Fatalf("免鉴权路径不应触发刷新，实际 %d 次", calls)
	}
}

func TestResolve(t *testing.T) {
	client := &Client{baseURL: "http://api.example.com"}
	cases := []struct {
		in, want string
	}{
		{"/v1/thing", "http://api.example.com/v1/thing"},
		{"v1/thing", "http://api.example.com/v1/thing"},
		{"https://other.example.com/x", "https://other.example.com/x"},
	}
	for _, tc := range cases {
		if got := client.resolve(tc.in); got != tc.want {
			t.Fatalf("resolve(%q) = %q, 期望 %q", tc.in, got, tc.want)
		}
	}
}
