package mailbox

import (
	"context"
	"sync"
	"time"

	"accessbridge/internal/domain"
)

// MemoryQueue is an in-process Queue for unit tests and local runs. It keeps
// the same FIFO-per-target and claim-until-ack discipline as the Redis
// implementation.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[string]chan []byte
	claimed map[string][][]byte
	delayed map[string][]delayedEntry
}

type delayedEntry struct {
	raw   []byte
	dueAt time.Time
}

const memoryQueueDepth = 1024

func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[string]chan []byte),
		claimed: make(map[string][][]byte),
		delayed: make(map[string][]delayedEntry),
	}
}

func (q *MemoryQueue) channel(target string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.queues[target]
	if !ok {
		ch = make(chan []byte, memoryQueueDepth)
		q.queues[target] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(_ context.Context, target string, item domain.Item) error {
	raw, err := item.Encode()
	if err != nil {
		return err
	}
	q.channel(target) <- raw
	return nil
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, target string, item domain.Item, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, target, item)
	}
	raw, err := item.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[target] = append(q.delayed[target], delayedEntry{raw: raw, dueAt: time.Now().Add(delay)})
	return nil
}

func (q *MemoryQueue) DequeueBlocking(ctx context.Context, target string, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-q.channel(target):
		item, err := domain.DecodeItem(raw)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.claimed[target] = append(q.claimed[target], raw)
		q.mu.Unlock()
		return &Delivery{Item: item, Raw: raw}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, target string, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	claims := q.claimed[target]
	for i, raw := range claims {
		if string(raw) == string(d.Raw) {
			q.claimed[target] = append(claims[:i], claims[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, target string, now time.Time) (int, error) {
	q.mu.Lock()
	var due [][]byte
	var remaining []delayedEntry
	for _, entry := range q.delayed[target] {
		if entry.dueAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		due = append(due, entry.raw)
	}
	q.delayed[target] = remaining
	q.mu.Unlock()

	for _, raw := range due {
		q.channel(target) <- raw
	}
	return len(due), nil
}

func (q *MemoryQueue) RecoverClaimed(_ context.Context, target string) (int, error) {
	q.mu.Lock()
	claims := q.claimed[target]
	q.claimed[target] = nil
	q.mu.Unlock()

	for _, raw := range claims {
		q.channel(target) <- raw
	}
	return len(claims), nil
}

// DelayedLen reports parked entries for a target; test helper.
func (q *MemoryQueue) DelayedLen(target string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed[target])
}
