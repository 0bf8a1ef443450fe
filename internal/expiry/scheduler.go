// Package expiry turns durable revoke obligations into mailbox items once
// they come due. Obligations live in the ledger, not in-memory timers, so
// scheduled revocations survive restarts; marking an obligation enqueued
// makes the loop idempotent across instances.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
	"accessbridge/pkg/platform/sentinel"
)

// Scheduler polls the ledger for due obligations on a fixed interval.
type Scheduler struct {
	interval  time.Duration
	batchSize int

	ledger  ledger.Store
	mailbox mailbox.Queue

	logger *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

func New(interval time.Duration, store ledger.Store, queue mailbox.Queue, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("mailbox queue is required")
	}

	s := &Scheduler{
		interval:  interval,
		batchSize: 100,
		ledger:    store,
		mailbox:   queue,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "expiry")
	return s, nil
}

// Run polls until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry scheduler starting", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			enqueued, err := s.Drain(ctx, time.Now())
			if err != nil {
				s.logger.Error("drain obligations", "error", err)
				continue
			}
			if enqueued > 0 {
				s.logger.Info("revocations enqueued", "items", enqueued)
			}
		}
	}
}

// Drain enqueues a revoke item for every obligation due at or before now.
// Marking the obligation precedes the enqueue: a crash in between loses one
// revocation to the sweeper's next pass rather than double-revoking.
func (s *Scheduler) Drain(ctx context.Context, now time.Time) (int, error) {
	obs, err := s.ledger.DueObligations(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due obligations: %w", err)
	}

	enqueued := 0
	for _, ob := range obs {
		req, err := s.ledger.Get(ctx, ob.CorrelationID)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.Warn("obligation references unknown request",
				"correlation_id", ob.CorrelationID)
			_ = s.ledger.MarkObligationEnqueued(ctx, ob.ID)
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("load obligated request: %w", err)
		}

		if err := s.ledger.MarkObligationEnqueued(ctx, ob.ID); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue // another scheduler instance got it first
			}
			return enqueued, fmt.Errorf("mark obligation: %w", err)
		}

		item := domain.ItemFromRequest(req)
		item.Kind = domain.ItemRevoke
		item.Action = domain.CompensatingAction(req.Action)
		if err := s.mailbox.Enqueue(ctx, ob.Target, item); err != nil {
			return enqueued, fmt.Errorf("enqueue revoke item: %w", err)
		}
		enqueued++
		s.logger.Info("revoke item enqueued",
			"correlation_id", ob.CorrelationID,
			"action", item.Action,
		)
	}
	return enqueued, nil
}
