package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with a per-key sliding window of request
// timestamps. Counters are process-local, so it suits tests and single
// instance runs; deployments with several intake replicas use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func NewMemory() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*slidingWindow)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sw := s.windows[key]
	if sw == nil {
		sw = &slidingWindow{window: window}
		s.windows[key] = sw
	}
	sw.cleanup(now)

	if len(sw.timestamps) >= limit {
		return Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   sw.timestamps[0].Add(window),
		}, nil
	}

	sw.timestamps = append(sw.timestamps, now)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(sw.timestamps),
		ResetAt:   sw.timestamps[0].Add(window),
	}, nil
}

// cleanup drops timestamps that have aged out of the window.
func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
