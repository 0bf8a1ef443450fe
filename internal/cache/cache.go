// Package cache is the best-effort read accelerator for request status. It is
// never authoritative: absence is always safe, staleness is bounded by the
// TTL and by explicit invalidation on every write-side transition.
package cache

import (
	"context"
	"time"

	"accessbridge/internal/domain"
)

// Entry is a snapshot of a request's status fields.
type Entry struct {
	CorrelationID domain.CorrelationID `json:"correlation_id"`
	Status        domain.Status        `json:"status"`
	ReceivedAt    time.Time            `json:"received_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Cache is the read/invalidate contract exposed to intake's status path.
// Writers only ever invalidate; entries are repopulated lazily on read.
type Cache interface {
	// Get returns the cached entry or (nil, nil) on miss.
	Get(ctx context.Context, id domain.CorrelationID) (*Entry, error)

	// Set stores an entry under the configured TTL.
	Set(ctx context.Context, entry Entry) error

	// Invalidate deletes the entry. Deleting a missing entry is not an error.
	Invalidate(ctx context.Context, id domain.CorrelationID) error
}
