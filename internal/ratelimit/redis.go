package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisClient はRedisStoreが依存する最小のインターフェース。
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ RedisClient = (*redis.Client)(nil)

// RedisStore はRedisのキー有効期限でウィンドウを表現するStore。
// 複数のゲートウェイレプリカで同じカウンタを共有できる。
type RedisStore struct {
	client RedisClient
}

// NewRedisStore はRedis URLに接続してRedisStoreを生成する。
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient は既存のクライアントからRedisStoreを生成する。
func NewRedisStoreWithClient(client RedisClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("Redisクライアントがnilです")
	}
	return &RedisStore{client: client}, nil
}

// Increment はINCRでカウンタを進め、新しいウィンドウの場合は有効期限を設定する。
// ウィンドウの開始時刻は残りTTLから逆算する。
func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	redisKey := redisKeyPrefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Window{}, fmt.Errorf("INCRに失敗: %w", err)
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Window{}, fmt.Errorf("PEXPIREに失敗: %w", err)
		}
		return Window{Start: now, Count: count}, nil
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return Window{}, fmt.Errorf("PTTLに失敗: %w", err)
	}
	if ttl < 0 {
		// 有効期限の設定前に落ちたキーは永久に残るため、ここで付け直す
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Window{}, fmt.Errorf("PEXPIREに失敗: %w", err)
		}
		ttl = window
	}
	return Window{Start: now.Add(ttl - window), Count: count}, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
