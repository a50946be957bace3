package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sessionTokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// roundTrip 覆盖 TokenStore 三个操作的通用断言。
func roundTrip(t *testing.T, s TokenStore[sessionTokens]) {
	t.Helper()

	if _, err := s.LoadTokens(); !errors.Is(err, ErrTokensNotFound) {
		t.Fatalf("空存储应返回 ErrTokensNotFound，实际: %v", err)
	}

	want := sessionTokens{Access: "at-1", Refresh: "rt-1"}
	if err := s.SaveTokens(want); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}
	got, err := s.LoadTokens()
	if err != nil {
		t.Fatalf("读取凭证失败: %v", err)
	}
	if got != want {
		t.Fatalf("凭证不一致: got=%+v want=%+v", got, want)
	}

	if err := s.ClearTokens(); err != nil {
		t.Fatalf("清除凭证失败: %v", err)
	}
	if _, err := s.LoadTokens(); !errors.Is(err, ErrTokensNotFound) {
		t.Fatalf("清除后应返回 ErrTokensNotFound，实际: %v", err)
	}
	// 重复清除不报错。
	if err := s.ClearTokens(); err != nil {
		t.Fatalf("重复清除不应失败: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	roundTrip(t, NewMemoryStore[sessionTokens]())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	roundTrip(t, NewFileStore[sessionTokens](path))
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewFileStore[sessionTokens](path)
	if err := s.SaveTokens(sessionTokens{Access: "at"}); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("读取文件信息失败: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("凭证文件权限应为 0600，实际 %o", perm)
	}
}

func TestFileStoreCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore[sessionTokens](path)
	if _, err := s.LoadTokens(); err == nil {
		t.Fatal("损坏的凭证文件应返回错误")
	}
}

func TestEncryptedFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := NewEncryptedFileStore[sessionTokens](path, []byte("口令123"))
	if err != nil {
		t.Fatalf("创建加密存储失败: %v", err)
	}
	roundTrip(t, s)
}

func TestEncryptedFileStoreOpaqueOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := NewEncryptedFileStore[sessionTokens](path, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTokens(sessionTokens{Access: "plaintext-marker"}); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("plaintext-marker")) {
		t.Fatal("落盘内容不应包含明文凭证")
	}
}

func TestEncryptedFileStoreWrongSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	writer, err := NewEncryptedFileStore[sessionTokens](path, []byte("secret-a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.SaveTokens(sessionTokens{Access: "at"}); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}

	reader, err := NewEncryptedFileStore[sessionTokens](path, []byte("secret-b"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reader.LoadTokens(); !errors.Is(err, ErrCipherText) {
		t.Fatalf("口令不匹配应返回 ErrCipherText，实际: %v", err)
	}
}

func TestEncryptedFileStoreTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc")
	s, err := NewEncryptedFileStore[sessionTokens](path, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte{0x01}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadTokens(); !errors.Is(err, ErrCipherText) {
		t.Fatalf("密文过短应返回 ErrCipherText，实际: %v", err)
	}
}

func TestEncryptedFileStoreEmptySecret(t *testing.T) {
	if _, err := NewEncryptedFileStore[sessionTokens]("x", nil); err == nil {
		t.Fatal("空口令应返回错误")
	}
}
