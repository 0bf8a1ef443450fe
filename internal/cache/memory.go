package cache

import (
	"context"
	"sync"
	"time"

	"accessbridge/internal/domain"
)

// MemoryCache is an in-process Cache for unit tests and local runs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[domain.CorrelationID]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[domain.CorrelationID]memoryEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(_ context.Context, id domain.CorrelationID) (*Entry, error) {
	c.mu.RLock()
	stored, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(stored.expiresAt) {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		return nil, nil
	}
	entry := stored.entry
	return &entry, nil
}

func (c *MemoryCache) Set(_ context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.CorrelationID] = memoryEntry{
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, id domain.CorrelationID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	return nil
}
