package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an access-change request. Transitions are
// monotonic along PENDING -> IN_PROGRESS -> {SUCCESS, FAILED}; the single
// legal exception is IN_PROGRESS -> PENDING when a transient failure re-enters
// the queue.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether s is one of the four enumerated states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether the s -> to edge is legal.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusSuccess || to == StatusFailed || to == StatusPending
	}
	return false
}

// CorrelationID is the globally unique handle for a request, assigned at
// intake and immutable thereafter.
type CorrelationID string

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string { return string(c) }

// Request is the unit of work brokered between intake and a target platform.
// Rows are never deleted; terminal requests are retained for audit.
type Request struct {
	CorrelationID CorrelationID
	Target        string // platform tag, e.g. "aws"
	Principal     string
	Action        string
	Payload       json.RawMessage // opaque to the engine, interpreted by the adapter
	Status        Status
	ExpiresAt     *time.Time
	ReceivedAt    time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// AuditEvent is one append-only entry in a request's transition history.
// Replaying the ordered events for a correlation id must reproduce the
// request's current status.
type AuditEvent struct {
	CorrelationID CorrelationID
	OldStatus     Status
	NewStatus     Status
	Actor         string
	Detail        string
	Timestamp     time.Time
}

// ExternalReference is a platform-assigned identifier recorded on success,
// used for later cross-referencing against the target platform.
type ExternalReference struct {
	CorrelationID CorrelationID
	Target        string
	RefID         string
	CreatedAt     time.Time
}

// Obligation is a durable, future-dated instruction to revoke a grant whose
// request carried an expiry. It is persisted so scheduled revocations survive
// executor restarts.
type Obligation struct {
	ID            int64
	CorrelationID CorrelationID
	Target        string
	DueAt         time.Time
	Enqueued      bool
}
