package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript は固定ウィンドウの判定と加算を原子的に行うLuaスクリプト。
// KEYS[1] = カウンタのキー
// ARGV[1] = 上限
// ARGV[2] = ウィンドウ長（ミリ秒）
// 戻り値: {allowed (0 or 1), count, 残りTTL（ミリ秒）}
var fixedWindowScript = redis.NewScript(`
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])

	local current = redis.call('GET', KEYS[1])
	if not current then
		redis.call('SET', KEYS[1], 1, 'PX', window_ms)
		return {1, 1, window_ms}
	end

	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], window_ms)
		ttl = window_ms
	end

	local count = tonumber(current)
	if count >= limit then
		return {0, count, ttl}
	end

	count = redis.call('INCR', KEYS[1])
	return {1, count, ttl}
`)

// RedisStore はRedisをカウンタストアとして使うStoreの実装。
type RedisStore struct {
	// client はRedisクライアント。
	client *redis.Client
	// prefix はすべてのキーに付与する接頭辞。
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は既存のRedisクライアントからRedisStoreを生成する。
// クライアントの所有権はRedisStoreに移り、Closeで解放される。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Open はURL（redis://host:port/db）からRedisStoreを生成する。接続の確認は行わない。
// timeoutが正の場合、接続・読み書きのタイムアウトに使う。
func Open(rawURL, prefix string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return NewRedisStore(redis.NewClient(opts), prefix), nil
}

// Dial はOpenで生成したRedisStoreの疎通を確認してから返す。
func Dial(ctx context.Context, rawURL, prefix string, timeout time.Duration) (*RedisStore, error) {
	store, err := Open(rawURL, prefix, timeout)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Admit は固定ウィンドウカウンタを原子的に判定・加算する。
func (s *RedisStore) Admit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	fullKey := s.prefix + key
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return Decision{}, fmt.Errorf("ウィンドウ長が不正です: %v", window)
	}

	result, err := fixedWindowScript.Run(ctx, s.client, []string{fullKey}, limit, windowMs).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("スクリプトの戻り値が不正です: %v", result)
	}

	return Decision{
		Allowed:    result[0] == 1,
		Key:        key,
		Limit:      limit,
		Count:      result[1],
		ResetAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
