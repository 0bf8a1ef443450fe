// Package sweeper is the drift-reconciliation loop: on a fixed interval it
// compares the ledger's desired state for a target against the platform's
// actual state and re-enters the normal mailbox path with corrective items.
// It never mutates platform state directly; correction reuses the executor.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"accessbridge/internal/adapter"
	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
	"accessbridge/internal/platform/metrics"
)

// Policy decides which ledger rows are compared and what counts as drift.
// The comparison granularity is deployment-specific, so both halves are
// injectable.
type Policy struct {
	// Candidate selects rows worth querying the platform for.
	Candidate func(domain.Request) bool
	// Drifted reports whether the platform's actual state diverges from the
	// row's desired state.
	Drifted func(domain.Request, adapter.ActualState) bool
}

// DefaultPolicy treats every live successful grant as desired-applied: a
// SUCCESS row whose action is no longer applied on the platform has drifted.
// PENDING rows are in flight and are left to the normal path. A grant past
// its expiry is excluded entirely: its desired state is revoked, and
// re-applying it would undo the expiry compensation.
func DefaultPolicy() Policy {
	return Policy{
		Candidate: func(req domain.Request) bool {
			if req.Status != domain.StatusSuccess {
				return false
			}
			return req.ExpiresAt == nil || req.ExpiresAt.After(time.Now())
		},
		Drifted: func(_ domain.Request, actual adapter.ActualState) bool {
			return !actual.Applied
		},
	}
}

// Sweeper reconciles one target platform. It is stateless between runs;
// every sweep restarts iteration from the beginning of the desired set.
type Sweeper struct {
	target   string
	interval time.Duration
	pageSize int

	ledger  ledger.Store
	mailbox mailbox.Queue
	adapter adapter.Adapter
	policy  Policy

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithPolicy(p Policy) Option {
	return func(s *Sweeper) { s.policy = p }
}

func WithPageSize(n int) Option {
	return func(s *Sweeper) { s.pageSize = n }
}

func New(target string, interval time.Duration, store ledger.Store, queue mailbox.Queue, platformAdapter adapter.Adapter, opts ...Option) (*Sweeper, error) {
	if target == "" {
		return nil, fmt.Errorf("sweeper target is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("mailbox queue is required")
	}
	if platformAdapter == nil {
		return nil, fmt.Errorf("platform adapter is required")
	}

	s := &Sweeper{
		target:   target,
		interval: interval,
		pageSize: 100,
		ledger:   store,
		mailbox:  queue,
		adapter:  platformAdapter,
		policy:   DefaultPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweeper", "target", target)
	return s, nil
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper starting", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			corrected, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if corrected > 0 {
				s.logger.Info("sweep corrected drift", "items", corrected)
			}
		}
	}
}

// Sweep walks the target's desired rows once and enqueues a corrective item
// for every drifted row. Returns the number of corrections enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	corrected := 0
	page := ledger.Page{Limit: s.pageSize}

	for {
		reqs, err := s.ledger.ListDesired(ctx, s.target, page)
		if err != nil {
			return corrected, fmt.Errorf("list desired: %w", err)
		}
		if len(reqs) == 0 {
			return corrected, nil
		}

		for _, req := range reqs {
			if ctx.Err() != nil {
				return corrected, ctx.Err()
			}
			if !s.policy.Candidate(req) {
				continue
			}

			actual, err := s.adapter.QueryState(ctx, req.Principal, req.Action)
			if err != nil {
				// One unreadable row must not abort the whole sweep.
				s.logger.Warn("query platform state",
					"error", err,
					"correlation_id", req.CorrelationID,
				)
				continue
			}
			if !s.policy.Drifted(req, actual) {
				continue
			}

			item := domain.ItemFromRequest(req)
			item.Kind = domain.ItemCorrect
			if err := s.mailbox.Enqueue(ctx, s.target, item); err != nil {
				return corrected, fmt.Errorf("enqueue corrective item: %w", err)
			}
			corrected++
			if s.metrics != nil {
				s.metrics.DriftCorrections.WithLabelValues(s.target).Inc()
			}
			s.logger.Info("drift detected, corrective item enqueued",
				"correlation_id", req.CorrelationID,
				"action", req.Action,
				"detail", actual.Detail,
			)
		}

		last := reqs[len(reqs)-1]
		page.AfterReceived = last.ReceivedAt
		page.AfterID = last.CorrelationID
	}
}
