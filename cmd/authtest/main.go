// 鉴权调度端到端手工测试：本地起一个模拟认证服务，验证
// 401 触发单飞刷新、排队重放与终末失败路径。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dnslin/authrelay/core/api"
	"github.com/dnslin/authrelay/core/auth"
	"github.com/dnslin/authrelay/core/store"
)

type logger struct{}

func (logger) Debugf(f string, a ...any) { fmt.Printf("[DEBUG] "+f+"\n", a...) }
func (logger) Errorf(f string, a ...any) { fmt.Printf("[ERROR] "+f+"\n", a...) }

// mockAuthServer 模拟带会话过期的认证服务。
type mockAuthServer struct {
	mu           sync.Mutex
	access       string
	refresh      string
	expired      bool
	refreshCalls int32
}

func (s *mockAuthServer) issue() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = uuid.NewString()
	s.refresh = uuid.NewString()
	s.expired = false
	return s.access, s.refresh
}

func (s *mockAuthServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	access, refresh := s.issue()
	json.NewEncoder(w).Encode(map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    3600,
	})
}

func (s *mockAuthServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.refreshCalls, 1)
	r.ParseForm()
	s.mu.Lock()
	ok := r.FormValue("refresh_token") == s.refresh
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "InvalidRefreshToken", "message": "刷新凭证无效"})
		return
	}
	time.Sleep(200 * time.Millisecond) // 留出并发请求排队的窗口
	access, refresh := s.issue()
	json.NewEncoder(w).Encode(map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    3600,
	})
}

func (s *mockAuthServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	valid := !s.expired && r.Header.Get("Authorization") == "Bearer "+s.access
	s.mu.Unlock()
	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "TokenExpired", "message": "凭证已过期"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"name": "测试用户", "id": r.URL.Query().Get("idx")})
}

func (s *mockAuthServer) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	srv := &mockAuthServer{}
	router := mux.NewRouter()
	router.HandleFunc("/auth/login", srv.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", srv.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/debug/expire", srv.handleExpire).Methods(http.MethodPost)
	router.HandleFunc("/api/profile", srv.handleProfile).Methods(http.MethodGet)
	ts := httptest.NewServer(router)
	defer ts.Close()
	fmt.Println("模拟服务:", ts.URL)

	tokenStore := store.NewMemoryStore[*auth.Token]()
	refresher := auth.NewHTTPRefresher(nil, ts.URL+"/auth/refresh", auth.WithRefreshLogger(logger{}))
	source := auth.NewStoreTokenSource(tokenStore, refresher, auth.WithSourceLogger(logger{}))

	var deauths int32
	client := api.New(source,
		api.WithBaseURL(ts.URL),
		api.WithExcludePaths("/auth/"),
		api.WithLogger(logger{}),
		api.WithOnUnauthorized(func(err error) {
			atomic.AddInt32(&deauths, 1)
			fmt.Println("触发去认证回调:", err)
		}),
	)

	ctx := context.Background()

	// 登录拿初始凭证。
	var login auth.Token
	if err := client.Post(ctx, "/auth/login", nil, &login); err != nil {
		fmt.Println("登录失败:", err)
		os.Exit(1)
	}
	if err := tokenStore.SaveTokens(&login); err != nil {
		fmt.Println("保存凭证失败:", err)
		os.Exit(1)
	}
	fmt.Println("登录成功，accessToken:", login.AccessToken[:8]+"...")

	// 正常请求。
	var profile map[string]string
	if err := client.Get(ctx, "/api/profile", &profile); err != nil {
		fmt.Println("首次请求失败:", err)
		os.Exit(1)
	}
	fmt.Println("首次请求成功:", profile)

	// 使服务端会话过期，并发 5 个请求验证单飞刷新。
	if err := client.Post(ctx, "/debug/expire", nil, nil); err != nil {
		fmt.Println("过期指令失败:", err)
		os.Exit(1)
	}
	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var out map[string]string
			if err := client.Get(ctx, fmt.Sprintf("/api/profile?idx=%d", idx), &out); err != nil {
				atomic.AddInt32(&failures, 1)
				fmt.Printf("请求 %d 失败: %v\n", idx, err)
				return
			}
			fmt.Printf("请求 %d 成功: %v\n", idx, out)
		}(i)
	}
	wg.Wait()

	refreshes := atomic.LoadInt32(&srv.refreshCalls)
	fmt.Printf("并发恢复完成: 失败 %d 个，服务端刷新调用 %d 次（预期 1 次）\n", failures, refreshes)
	if failures > 0 || refreshes != 1 {
		os.Exit(1)
	}

	// 终末失败路径：废掉 refresh token 后再次过期。
	if err := tokenStore.SaveTokens(&auth.Token{AccessToken: login.AccessToken, RefreshToken: "bogus"}); err != nil {
		fmt.Println("篡改凭证失败:", err)
		os.Exit(1)
	}
	if err := client.Post(ctx, "/debug/expire", nil, nil); err != nil {
		fmt.Println("过期指令失败:", err)
		os.Exit(1)
	}
	err := client.Get(ctx, "/api/profile", &profile)
	fmt.Println("预期的终末失败:", err, "回调次数:", atomic.LoadInt32(&deauths))
}
