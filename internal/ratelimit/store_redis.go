package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore implements Store with a fixed window counter per key. INCR and
// the expiry run in one pipeline, so every intake replica draws from the
// same budget and the counter cannot leak without a TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	redisKey := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	// NX keeps the window anchored at the first request instead of sliding
	// the expiry forward on every hit.
	pipe.ExpireNX(ctx, redisKey, window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit incr %s: %w", key, err)
	}

	n := int(count.Val())
	resetAt := time.Now().Add(ttl.Val())
	if n > limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - n, ResetAt: resetAt}, nil
}
