// Package ledger is the durable record of every access-change request and its
// audit history. It owns correctness of "what is true": the compare-and-set
// Transition is the engine's sole concurrency-control primitive.
package ledger

import (
	"context"
	"time"

	"accessbridge/internal/domain"
)

// Page is a keyset cursor over desired-state listings. Zero value starts from
// the beginning.
type Page struct {
	AfterReceived time.Time
	AfterID       domain.CorrelationID
	Limit         int
}

// Store is the ledger contract. Implementations must make Transition an
// atomic unit with its audit append: either both commit or neither does.
type Store interface {
	// InTx runs fn as one atomic unit. Store calls made through the
	// callback's context belong to that unit; if fn returns an error none of
	// its writes survive. Callers use it to couple a status transition with
	// the writes that must not outlive or precede it, such as the revoke
	// obligation scheduled alongside a SUCCESS.
	InTx(ctx context.Context, fn func(context.Context) error) error


	// Create inserts a new PENDING request and its first audit event.
	// Returns sentinel.ErrDuplicate when the correlation id already exists.
	Create(ctx context.Context, req domain.Request) error

	// Get returns the current row, or sentinel.ErrNotFound.
	Get(ctx context.Context, id domain.CorrelationID) (domain.Request, error)

	// Transition performs an atomic compare-and-set from expected to next,
	// appending the audit event in the same transaction. Returns
	// sentinel.ErrConflict when the row's status no longer matches expected,
	// sentinel.ErrNotFound when the row is absent, and
	// sentinel.ErrInvalidState when the edge itself is illegal. The appended
	// event is returned so callers can fan it out.
	Transition(ctx context.Context, id domain.CorrelationID, expected, next domain.Status, actor, detail string) (domain.AuditEvent, error)

	// AppendAudit records an audit event outside a status transition, for
	// example a drift correction or an expiry revocation where the status
	// does not move. Old and new status must be equal so replaying the
	// trail still reproduces the current status.
	AppendAudit(ctx context.Context, event domain.AuditEvent) error

	// AppendRefs records platform-assigned identifiers for a request.
	AppendRefs(ctx context.Context, id domain.CorrelationID, target string, refIDs []string) error

	// ListRefs returns all external references recorded for a request.
	ListRefs(ctx context.Context, id domain.CorrelationID) ([]domain.ExternalReference, error)

	// ListAudit returns the request's audit events in append order.
	ListAudit(ctx context.Context, id domain.CorrelationID) ([]domain.AuditEvent, error)

	// ListDesired pages through PENDING and SUCCESS rows for a target,
	// ordered by received time then correlation id, so the sweeper can
	// restart iteration from any cursor without unbounded memory.
	ListDesired(ctx context.Context, target string, page Page) ([]domain.Request, error)

	// ScheduleObligation persists a future-dated revoke obligation.
	ScheduleObligation(ctx context.Context, ob domain.Obligation) error

	// DueObligations returns obligations due at or before now that have not
	// yet been enqueued.
	DueObligations(ctx context.Context, now time.Time, limit int) ([]domain.Obligation, error)

	// MarkObligationEnqueued records that the obligation's revoke item has
	// been handed to the mailbox, making the expiry loop idempotent.
	MarkObligationEnqueued(ctx context.Context, obligationID int64) error
}
