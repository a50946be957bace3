package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// EncryptedFileStore 在文件存储之上对落盘内容做 AES-GCM 加密，
// 密钥由调用方提供的口令经 HKDF-SHA256 派生。文件格式为
// nonce 前缀加密文。
type EncryptedFileStore[T any] struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// ErrCipherText 表示密文损坏或口令不匹配。
var ErrCipherText = errors.New("store: 凭证密文无法解开")

// NewEncryptedFileStore 创建加密文件存储。secret 不限长度，内部派生
// 固定 32 字节密钥。
func NewEncryptedFileStore[T any](path string, secret []byte) (*EncryptedFileStore[T], error) {
	if len(secret) == 0 {
		return nil, errors.New("store: 加密口令为空")
	}
	key := make([]byte, 32)
	h := hkdf.New(sha256.New, secret, nil, []byte("authrelay-token-store"))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("store: 派生密钥失败: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EncryptedFileStore[T]{path: path, aead: aead}, nil
}

// SaveTokens 序列化、加密并落盘。
func (s *EncryptedFileStore[T]) SaveTokens(tokens T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plain, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("store: 序列化凭证失败: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("store: 生成随机数失败: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store: 创建凭证目录失败: %w", err)
		}
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("store: 写入凭证文件失败: %w", err)
	}
	return nil
}

// LoadTokens 读取并解密，文件不存在时返回 ErrTokensNotFound。
func (s *EncryptedFileStore[T]) LoadTokens() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens T
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return tokens, ErrTokensNotFound
	}
	if err != nil {
		return tokens, fmt.Errorf("store: 读取凭证文件失败: %w", err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return tokens, ErrCipherText
	}
	nonce, body := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return tokens, ErrCipherText
	}
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return tokens, fmt.Errorf("store: 解析凭证失败: %w", err)
	}
	return tokens, nil
}

// ClearTokens 删除凭证文件。
func (s *EncryptedFileStore[T]) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
