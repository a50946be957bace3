package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 将凭证保存到 Redis，用于多进程共享同一份会话。
// TokenStore 接口本身不携带上下文，读写使用带超时的内部上下文。
type RedisStore[T any] struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// RedisOption 自定义 RedisStore。
type RedisOption[T any] func(*RedisStore[T])

// WithRedisTTL 设置凭证键的过期时间，0 表示永不过期。
func WithRedisTTL[T any](ttl time.Duration) RedisOption[T] {
	return func(s *RedisStore[T]) {
		s.ttl = ttl
	}
}

// WithRedisTimeout 设置单次 Redis 操作的超时。
func WithRedisTimeout[T any](timeout time.Duration) RedisOption[T] {
	return func(s *RedisStore[T]) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewRedisStore 创建 Redis 存储，key 为凭证所在的键名。
func NewRedisStore[T any](client *redis.Client, key string, opts ...RedisOption[T]) *RedisStore[T] {
	s := &RedisStore[T]{
		client:  client,
		key:     key,
		timeout: 3 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SaveTokens 序列化并写入 Redis。
func (s *RedisStore[T]) SaveTokens(tokens T) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("store: 序列化凭证失败: %w", err)
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: 写入 redis 失败: %w", err)
	}
	return nil
}

// LoadTokens 读取并反序列化，键不存在时返回 ErrTokensNotFound。
func (s *RedisStore[T]) LoadTokens() (T, error) {
	var tokens T
	ctx, cancel := s.opCtx()
	defer cancel()
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return tokens, ErrTokensNotFound
	}
	if err != nil {
		return tokens, fmt.Errorf("store: 读取 redis 失败: %w", err)
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return tokens, fmt.Errorf("store: 解析凭证失败: %w", err)
	}
	return tokens, nil
}

// ClearTokens 删除凭证键。
func (s *RedisStore[T]) ClearTokens() error {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("store: 删除 redis 键失败: %w", err)
	}
	return nil
}

func (s *RedisStore[T]) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
