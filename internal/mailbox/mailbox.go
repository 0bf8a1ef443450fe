// Package mailbox is the durable, per-target, FIFO delivery channel between
// intake and the executors. Delivery is at-least-once: a dequeued item stays
// claimed until the consumer acknowledges it, and stranded claims are
// recovered on startup. Consumers must tolerate redelivery.
package mailbox

import (
	"context"
	"time"

	"accessbridge/internal/domain"
)

// Delivery is one dequeued item plus the opaque receipt needed to ack it.
type Delivery struct {
	Item domain.Item
	// Raw is the exact wire payload that was claimed; Ack removes this
	// payload from the claimed set.
	Raw []byte
}

// Queue is the mailbox contract. Ordering is FIFO within a target's channel
// only; nothing is guaranteed across targets.
type Queue interface {
	// Enqueue appends an item to the tail of the target's channel. The item
	// is durable before Enqueue returns.
	Enqueue(ctx context.Context, target string, item domain.Item) error

	// EnqueueDelayed parks an item until delay elapses, then PromoteDue moves
	// it to the tail of the channel. Backoff delays survive restarts.
	EnqueueDelayed(ctx context.Context, target string, item domain.Item, delay time.Duration) error

	// DequeueBlocking waits up to timeout for an item. Returns (nil, nil)
	// when the wait expires with no work; that is not an error.
	DequeueBlocking(ctx context.Context, target string, timeout time.Duration) (*Delivery, error)

	// Ack durably removes a claimed delivery after the corresponding ledger
	// transition has committed.
	Ack(ctx context.Context, target string, d *Delivery) error

	// PromoteDue moves delayed items whose due time has passed onto the
	// channel. Returns the number promoted.
	PromoteDue(ctx context.Context, target string, now time.Time) (int, error)

	// RecoverClaimed re-queues items stranded in the claimed set by a
	// crashed consumer. Intended for startup; redelivery is resolved by the
	// executor's idempotency checks.
	RecoverClaimed(ctx context.Context, target string) (int, error)
}
