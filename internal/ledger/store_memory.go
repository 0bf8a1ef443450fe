package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"accessbridge/internal/domain"
	"accessbridge/pkg/platform/sentinel"
)

// MemoryStore is an in-memory Store used by unit tests and local runs. It
// honors the same compare-and-set semantics as the Postgres implementation.
type MemoryStore struct {
	txMu        sync.Mutex
	mu          sync.RWMutex
	requests    map[domain.CorrelationID]domain.Request
	audit       map[domain.CorrelationID][]domain.AuditEvent
	refs        map[domain.CorrelationID][]domain.ExternalReference
	obligations []domain.Obligation
	nextObID    int64
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		requests: make(map[domain.CorrelationID]domain.Request),
		audit:    make(map[domain.CorrelationID][]domain.AuditEvent),
		refs:     make(map[domain.CorrelationID][]domain.ExternalReference),
		nextObID: 1,
	}
}

// InTx snapshots the store, runs fn, and restores the snapshot if fn fails,
// mirroring the Postgres rollback. txMu serializes transactions so the
// snapshot stays consistent; nested reuse is detected through the context the
// same way the SQL implementation detects an open transaction.
func (s *MemoryStore) InTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, memTxKey{})); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memTxKey struct{}

type memSnapshot struct {
	requests    map[domain.CorrelationID]domain.Request
	audit       map[domain.CorrelationID][]domain.AuditEvent
	refs        map[domain.CorrelationID][]domain.ExternalReference
	obligations []domain.Obligation
	nextObID    int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memSnapshot{
		requests:    make(map[domain.CorrelationID]domain.Request, len(s.requests)),
		audit:       make(map[domain.CorrelationID][]domain.AuditEvent, len(s.audit)),
		refs:        make(map[domain.CorrelationID][]domain.ExternalReference, len(s.refs)),
		obligations: append([]domain.Obligation(nil), s.obligations...),
		nextObID:    s.nextObID,
	}
	for id, req := range s.requests {
		snap.requests[id] = req
	}
	for id, events := range s.audit {
		snap.audit[id] = append([]domain.AuditEvent(nil), events...)
	}
	for id, refs := range s.refs {
		snap.refs[id] = append([]domain.ExternalReference(nil), refs...)
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = snap.requests
	s.audit = snap.audit
	s.refs = snap.refs
	s.obligations = snap.obligations
	s.nextObID = snap.nextObID
}

func (s *MemoryStore) Create(_ context.Context, req domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.CorrelationID]; exists {
		return fmt.Errorf("create request %s: %w", req.CorrelationID, sentinel.ErrDuplicate)
	}
	now := time.Now().UTC()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}
	req.Status = domain.StatusPending
	req.UpdatedAt = req.ReceivedAt
	s.requests[req.CorrelationID] = req
	s.audit[req.CorrelationID] = append(s.audit[req.CorrelationID], domain.AuditEvent{
		CorrelationID: req.CorrelationID,
		OldStatus:     "",
		NewStatus:     domain.StatusPending,
		Actor:         "intake",
		Detail:        "request admitted",
		Timestamp:     req.ReceivedAt,
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id domain.CorrelationID) (domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return domain.Request{}, fmt.Errorf("get request %s: %w", id, sentinel.ErrNotFound)
	}
	return req, nil
}

func (s *MemoryStore) Transition(_ context.Context, id domain.CorrelationID, expected, next domain.Status, actor, detail string) (domain.AuditEvent, error) {
	if !expected.CanTransition(next) {
		return domain.AuditEvent{}, fmt.Errorf("transition %s->%s: %w", expected, next, sentinel.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[id]
	if !exists {
		return domain.AuditEvent{}, fmt.Errorf("transition %s: %w", id, sentinel.ErrNotFound)
	}
	if req.Status != expected {
		return domain.AuditEvent{}, fmt.Errorf("transition %s from %s: %w", id, expected, sentinel.ErrConflict)
	}

	now := time.Now().UTC()
	req.Status = next
	req.UpdatedAt = now
	if next.Terminal() {
		t := now
		req.CompletedAt = &t
	}
	s.requests[id] = req

	event := domain.AuditEvent{
		CorrelationID: id,
		OldStatus:     expected,
		NewStatus:     next,
		Actor:         actor,
		Detail:        detail,
		Timestamp:     now,
	}
	s.audit[id] = append(s.audit[id], event)
	return event, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, event domain.AuditEvent) error {
	if event.OldStatus != event.NewStatus {
		return fmt.Errorf("append audit %s->%s: %w", event.OldStatus, event.NewStatus, sentinel.ErrInvalidState)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[event.CorrelationID] = append(s.audit[event.CorrelationID], event)
	return nil
}

func (s *MemoryStore) AppendRefs(_ context.Context, id domain.CorrelationID, target string, refIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, refID := range refIDs {
		s.refs[id] = append(s.refs[id], domain.ExternalReference{
			CorrelationID: id,
			Target:        target,
			RefID:         refID,
			CreatedAt:     now,
		})
	}
	return nil
}

func (s *MemoryStore) ListRefs(_ context.Context, id domain.CorrelationID) ([]domain.ExternalReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExternalReference, len(s.refs[id]))
	copy(out, s.refs[id])
	return out, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, id domain.CorrelationID) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEvent, len(s.audit[id]))
	copy(out, s.audit[id])
	return out, nil
}

func (s *MemoryStore) ListDesired(_ context.Context, target string, page Page) ([]domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}

	var all []domain.Request
	for _, req := range s.requests {
		if req.Target != target {
			continue
		}
		if req.Status != domain.StatusPending && req.Status != domain.StatusSuccess {
			continue
		}
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ReceivedAt.Before(all[j].ReceivedAt)
		}
		return all[i].CorrelationID < all[j].CorrelationID
	})

	var out []domain.Request
	for _, req := range all {
		if !afterCursor(req, page) {
			continue
		}
		out = append(out, req)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func afterCursor(req domain.Request, page Page) bool {
	if req.ReceivedAt.After(page.AfterReceived) {
		return true
	}
	return req.ReceivedAt.Equal(page.AfterReceived) && req.CorrelationID > page.AfterID
}

func (s *MemoryStore) ScheduleObligation(_ context.Context, ob domain.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ob.ID = s.nextObID
	s.nextObID++
	s.obligations = append(s.obligations, ob)
	return nil
}

func (s *MemoryStore) DueObligations(_ context.Context, now time.Time, limit int) ([]domain.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []domain.Obligation
	for _, ob := range s.obligations {
		if ob.Enqueued || ob.DueAt.After(now) {
			continue
		}
		out = append(out, ob)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkObligationEnqueued(_ context.Context, obligationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.obligations {
		if s.obligations[i].ID != obligationID {
			continue
		}
		if s.obligations[i].Enqueued {
			return fmt.Errorf("obligation %d: %w", obligationID, sentinel.ErrConflict)
		}
		s.obligations[i].Enqueued = true
		return nil
	}
	return fmt.Errorf("obligation %d: %w", obligationID, sentinel.ErrNotFound)
}
