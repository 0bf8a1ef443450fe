package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"accessbridge/internal/domain"
)

const statusKeyPrefix = "cache:status:"

// RedisCache implements Cache on Redis strings with a fixed TTL.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func statusKey(id domain.CorrelationID) string {
	return statusKeyPrefix + string(id)
}

func (c *RedisCache) Get(ctx context.Context, id domain.CorrelationID) (*Entry, error) {
	raw, err := c.client.Get(ctx, statusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt entry is equivalent to a miss; drop it.
		_ = c.client.Del(ctx, statusKey(id)).Err()
		return nil, nil
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(entry.CorrelationID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", entry.CorrelationID, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, id domain.CorrelationID) error {
	if err := c.client.Del(ctx, statusKey(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", id, err)
	}
	return nil
}
