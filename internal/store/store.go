// Package store は外部キーバリューストア（Redis）へのアダプタを提供する。
// キャッシュとレートリミッターはこのパッケージのインターフェースにのみ依存する。
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTimeout は1回のRedis往復に許容する既定の時間。
const defaultTimeout = 3 * time.Second

// KeyValueStore はキャッシュとレートリミッターが利用するストア操作を定義する。
// すべてのメソッドは並行呼び出しに対して安全でなければならない。
type KeyValueStore interface {
	// Get はキーの値を返す。キーが存在しない場合はfound=falseを返す（エラーではない）。
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set は値を書き込む。ttlが0以下の場合は有効期限なしで書き込む。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Eval はLuaスクリプトをサーバー側でアトミックに実行する。
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (value string, found bool, err error)
	Ping(ctx context.Context) error
}

// Option はRedisStoreの設定を変更する関数。
type Option func(*RedisStore)

// WithTimeout は1回のRedis往復のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// RedisStore はgo-redisを用いたKeyValueStoreの実装。
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration

	// scripts はスクリプト本文ごとの*redis.Scriptを保持する。
	// EVALSHAを優先し、NOSCRIPTの場合はEVALにフォールバックする。
	scripts sync.Map
}

// NewRedisStore は既存のクライアントからRedisStoreを生成する。
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:  client,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open はredis:// 形式のURLからクライアントを生成してRedisStoreを返す。
// 接続確認は行わない（呼び出し元がPingで確認する）。
func Open(redisURL string, opts ...Option) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(redisOpts), opts...), nil
}

// Close は下位のクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get はキーの値を取得する。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return v, true, nil
}

// Set は値を書き込む。ttlが0以下なら有効期限を付けない。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Eval はスクリプトを実行する。スクリプトがnilを返した場合は(nil, nil)を返す。
func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.script(script).Run(ctx, s.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis EVAL: %w", err)
	}
	return res, nil
}

func (s *RedisStore) script(body string) *redis.Script {
	if sc, ok := s.scripts.Load(body); ok {
		return sc.(*redis.Script)
	}
	sc, _ := s.scripts.LoadOrStore(body, redis.NewScript(body))
	return sc.(*redis.Script)
}

// SAdd は集合にメンバーを追加する。
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", key, err)
	}
	return nil
}

// SIsMember は集合にメンバーが含まれるかを返す。
func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", key, err)
	}
	return ok, nil
}

// HSet はハッシュのフィールドに値を書き込む。
func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return nil
}

// HGet はハッシュのフィールド値を返す。
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s: %w", key, err)
	}
	return v, true, nil
}

// Ping はRedisへの疎通を確認する。ヘルスチェックで使用する。
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}
