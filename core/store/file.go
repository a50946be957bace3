package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore 将凭证以 JSON 形式保存到磁盘，文件权限 0600。
type FileStore[T any] struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件存储。
func NewFileStore[T any](path string) *FileStore[T] {
	return &FileStore[T]{path: path}
}

// SaveTokens 序列化并落盘。
func (s *FileStore[T]) SaveTokens(tokens T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("store: 序列化凭证失败: %w", err)
	}
	return s.write(data)
}

// LoadTokens 读取并反序列化，文件不存在时返回 ErrTokensNotFound。
func (s *FileStore[T]) LoadTokens() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens T
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return tokens, ErrTokensNotFound
	}
	if err != nil {
		return tokens, fmt.Errorf("store: 读取凭证文件失败: %w", err)
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return tokens, fmt.Errorf("store: 解析凭证文件失败: %w", err)
	}
	return tokens, nil
}

// ClearTokens 删除凭证文件。
func (s *FileStore[T]) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore[T]) write(data []byte) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store: 创建凭证目录失败: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("store: 写入凭证文件失败: %w", err)
	}
	return nil
}
