package store

import "sync"

// MemoryStore 内存实现，适用于测试与不落盘的一次性会话。
type MemoryStore[T any] struct {
	mu     sync.RWMutex
	tokens T
	has    bool
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{}
}

// SaveTokens 保存凭证。
func (s *MemoryStore[T]) SaveTokens(tokens T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	s.has = true
	return nil
}

// LoadTokens 读取凭证，不存在时返回 ErrTokensNotFound。
func (s *MemoryStore[T]) LoadTokens() (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.has {
		var zero T
		return zero, ErrTokensNotFound
	}
	return s.tokens, nil
}

// ClearTokens 清空凭证。
func (s *MemoryStore[T]) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.tokens = zero
	s.has = false
	return nil
}
