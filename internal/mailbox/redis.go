package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"accessbridge/internal/domain"
)

const (
	queueKeyPrefix = "mailbox:"

	claimedSuffix = ":claimed"
	delayedSuffix = ":delayed"
)

// RedisQueue implements Queue on Redis lists. Each target gets its own list;
// BRPOPLPUSH into a claimed list gives at-least-once delivery, and a sorted
// set holds delayed (backoff) entries until they come due.
type RedisQueue struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueKey(target string) string   { return queueKeyPrefix + target }
func claimedKey(target string) string { return queueKey(target) + claimedSuffix }
func delayedKey(target string) string { return queueKey(target) + delayedSuffix }

func (q *RedisQueue) Enqueue(ctx context.Context, target string, item domain.Item) error {
	raw, err := item.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, queueKey(target), raw).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queueKey(target), err)
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, target string, item domain.Item, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, target, item)
	}
	raw, err := item.Encode()
	if err != nil {
		return err
	}
	due := time.Now().Add(delay)
	err = q.client.ZAdd(ctx, delayedKey(target), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(raw),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd %s: %w", delayedKey(target), err)
	}
	return nil
}

func (q *RedisQueue) DequeueBlocking(ctx context.Context, target string, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, queueKey(target), claimedKey(target), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush %s: %w", queueKey(target), err)
	}

	item, err := domain.DecodeItem([]byte(raw))
	if err != nil {
		// Malformed payloads can never be processed; drop the claim so the
		// queue does not wedge on them.
		_ = q.client.LRem(ctx, claimedKey(target), 1, raw).Err()
		return nil, err
	}
	return &Delivery{Item: item, Raw: []byte(raw)}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, target string, d *Delivery) error {
	if err := q.client.LRem(ctx, claimedKey(target), 1, string(d.Raw)).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", claimedKey(target), err)
	}
	return nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, target string, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, delayedKey(target), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore %s: %w", delayedKey(target), err)
	}

	promoted := 0
	for _, member := range members {
		// Remove first so a concurrent promoter cannot double-enqueue.
		removed, err := q.client.ZRem(ctx, delayedKey(target), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("zrem %s: %w", delayedKey(target), err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queueKey(target), member).Err(); err != nil {
			return promoted, fmt.Errorf("lpush promoted item: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) RecoverClaimed(ctx context.Context, target string) (int, error) {
	recovered := 0
	for {
		_, err := q.client.RPopLPush(ctx, claimedKey(target), queueKey(target)).Result()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("rpoplpush %s: %w", claimedKey(target), err)
		}
		recovered++
	}
}
