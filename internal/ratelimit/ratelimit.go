// Package ratelimit throttles intake callers. Each authenticated subject
// gets a fixed quota per window; the counters live in a Store so multiple
// engine instances share one budget when backed by Redis.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one quota check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key within a window. Allow increments the
// counter and reports whether the request fits the quota.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
