// Package intake is the thin admission shell in front of the engine: it
// validates and admits new requests (first ledger row plus first mailbox
// item) and serves status reads through the cache-aside path. Everything
// else is the engine's job.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"accessbridge/internal/audit"
	"accessbridge/internal/cache"
	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
	"accessbridge/internal/platform/metrics"
)

// SubmitInput is the admitted shape of a new access-change request.
type SubmitInput struct {
	Target    string
	Principal string
	Action    string
	Payload   json.RawMessage
	ExpiresAt *time.Time
}

// Service coordinates admission and status reads.
type Service struct {
	ledger  ledger.Store
	mailbox mailbox.Queue
	cache   cache.Cache

	logger  *slog.Logger
	metrics *metrics.Metrics
	fanout  audit.Emitter
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditFanout(emitter audit.Emitter) Option {
	return func(s *Service) { s.fanout = emitter }
}

func NewService(store ledger.Store, queue mailbox.Queue, statusCache cache.Cache, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("mailbox queue is required")
	}
	if statusCache == nil {
		return nil, fmt.Errorf("status cache is required")
	}

	s := &Service{
		ledger:  store,
		mailbox: queue,
		cache:   statusCache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "intake")
	return s, nil
}

// Submit admits a new request: ledger insert (PENDING), mailbox enqueue, and
// a best-effort cache prime. The enqueue is durable before Submit returns.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.Request, error) {
	req := domain.Request{
		CorrelationID: domain.NewCorrelationID(),
		Target:        in.Target,
		Principal:     in.Principal,
		Action:        in.Action,
		Payload:       in.Payload,
		ExpiresAt:     in.ExpiresAt,
		ReceivedAt:    time.Now().UTC(),
	}
	req.UpdatedAt = req.ReceivedAt

	if err := s.ledger.Create(ctx, req); err != nil {
		return domain.Request{}, fmt.Errorf("admit request: %w", err)
	}
	req.Status = domain.StatusPending

	if err := s.mailbox.Enqueue(ctx, req.Target, domain.ItemFromRequest(req)); err != nil {
		// The ledger row exists but no item does; the sweeper will not help
		// a PENDING row, so surface the error to the caller for retry. The
		// duplicate create on resubmission is rejected by correlation id,
		// and an operator can re-drive the row.
		return domain.Request{}, fmt.Errorf("enqueue admitted request: %w", err)
	}

	if err := s.cache.Set(ctx, cache.Entry{
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		ReceivedAt:    req.ReceivedAt,
		UpdatedAt:     req.UpdatedAt,
	}); err != nil {
		s.logger.Warn("cache prime failed", "error", err, "correlation_id", req.CorrelationID)
	}

	if s.fanout != nil {
		s.fanout.Emit(ctx, domain.AuditEvent{
			CorrelationID: req.CorrelationID,
			OldStatus:     "",
			NewStatus:     domain.StatusPending,
			Actor:         "intake",
			Detail:        "request admitted",
			Timestamp:     req.ReceivedAt,
		})
	}
	if s.metrics != nil {
		s.metrics.RequestsAdmitted.Inc()
	}

	s.logger.Info("request admitted",
		"correlation_id", req.CorrelationID,
		"target", req.Target,
		"action", req.Action,
	)
	return req, nil
}

// Status serves the cache-aside read path: cache hit, else ledger read plus
// repopulate. Cache failures degrade to ledger reads, never to errors.
func (s *Service) Status(ctx context.Context, id domain.CorrelationID) (cache.Entry, error) {
	entry, err := s.cache.Get(ctx, id)
	if err != nil {
		s.logger.Warn("cache read failed", "error", err, "correlation_id", id)
	}
	if entry != nil {
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		return *entry, nil
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}

	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		return cache.Entry{}, err
	}

	fresh := cache.Entry{
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		ReceivedAt:    req.ReceivedAt,
		UpdatedAt:     req.UpdatedAt,
	}
	if err := s.cache.Set(ctx, fresh); err != nil {
		s.logger.Warn("cache repopulate failed", "error", err, "correlation_id", id)
	}
	return fresh, nil
}

// History returns the request's full audit trail.
func (s *Service) History(ctx context.Context, id domain.CorrelationID) ([]domain.AuditEvent, error) {
	events, err := s.ledger.ListAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		// No audit trail means the request was never admitted.
		if _, err := s.ledger.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}
