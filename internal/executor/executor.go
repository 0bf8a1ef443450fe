// Package executor runs the per-target worker loop: dequeue, validate, claim
// via compare-and-set, execute through the platform adapter, and commit the
// outcome back into the ledger. The ledger's compare-and-set transition is
// the only synchronization across concurrent instances.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"accessbridge/internal/adapter"
	"accessbridge/internal/audit"
	"accessbridge/internal/cache"
	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
	"accessbridge/internal/platform/metrics"
	"accessbridge/pkg/platform/sentinel"
)

// Config bounds the retry policy and the three suspension points of the loop.
type Config struct {
	Target         string
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	AttemptTimeout time.Duration
	DequeueTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
}

// Executor is one consumer instance on a target's mailbox channel. Multiple
// instances may share a channel; the claim compare-and-set resolves races.
type Executor struct {
	cfg     Config
	ledger  ledger.Store
	mailbox mailbox.Queue
	cache   cache.Cache
	adapter adapter.Adapter

	actor   string
	logger  *slog.Logger
	metrics *metrics.Metrics
	fanout  audit.Emitter
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithAuditFanout(emitter audit.Emitter) Option {
	return func(e *Executor) { e.fanout = emitter }
}

func New(cfg Config, store ledger.Store, queue mailbox.Queue, statusCache cache.Cache, platformAdapter adapter.Adapter, opts ...Option) (*Executor, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("executor target is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("mailbox queue is required")
	}
	if statusCache == nil {
		return nil, fmt.Errorf("status cache is required")
	}
	if platformAdapter == nil {
		return nil, fmt.Errorf("platform adapter is required")
	}

	cfg.applyDefaults()
	e := &Executor{
		cfg:     cfg,
		ledger:  store,
		mailbox: queue,
		cache:   statusCache,
		adapter: platformAdapter,
		actor:   fmt.Sprintf("executor/%s/%s", cfg.Target, uuid.NewString()[:8]),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor", "target", cfg.Target, "actor", e.actor)
	return e, nil
}

// Actor returns the audit identity of this instance.
func (e *Executor) Actor() string { return e.actor }

// Run consumes the target's mailbox until the context is canceled. Backend
// errors are logged and retried after a short pause rather than crashing the
// loop; the unacked delivery is redelivered.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor loop starting")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := e.mailbox.PromoteDue(ctx, e.cfg.Target, time.Now()); err != nil {
			e.logger.Error("promote delayed items", "error", err)
		}

		delivery, err := e.mailbox.DequeueBlocking(ctx, e.cfg.Target, e.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("mailbox dequeue", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if delivery == nil {
			continue // bounded wait expired with no work
		}

		if err := e.Process(ctx, delivery); err != nil {
			// Delivery stays unacked; it will be redelivered and resolved by
			// the idempotency checks.
			e.logger.Error("process mailbox item",
				"error", err,
				"correlation_id", delivery.Item.CorrelationID,
			)
		}
	}
}

// Process drives one delivery through the state machine. It acks the
// delivery on every resolved path, including discards; it returns an error
// only when the backend prevented a decision, leaving the item claimed for
// redelivery.
func (e *Executor) Process(ctx context.Context, d *mailbox.Delivery) error {
	item := d.Item
	log := e.logger.With("correlation_id", item.CorrelationID, "kind", item.EffectiveKind())

	req, err := e.ledger.Get(ctx, item.CorrelationID)
	if errors.Is(err, sentinel.ErrNotFound) {
		// Stale item referencing a request that was never admitted.
		log.Warn("discarding item for unknown request")
		e.countStaleDiscard()
		return e.mailbox.Ack(ctx, e.cfg.Target, d)
	}
	if err != nil {
		return fmt.Errorf("validate item: %w", err)
	}

	switch item.EffectiveKind() {
	case domain.ItemCorrect, domain.ItemRevoke:
		return e.processRedrive(ctx, d, req, log)
	default:
		return e.processApply(ctx, d, req, log)
	}
}

func (e *Executor) processApply(ctx context.Context, d *mailbox.Delivery, req domain.Request, log *slog.Logger) error {
	item := d.Item

	if req.Status != domain.StatusPending {
		// Idempotency guard: stale redelivery of completed or claimed work.
		log.Info("discarding redelivered item", "status", req.Status)
		e.countStaleDiscard()
		return e.mailbox.Ack(ctx, e.cfg.Target, d)
	}

	claim, err := e.ledger.Transition(ctx, item.CorrelationID,
		domain.StatusPending, domain.StatusInProgress, e.actor, "executor claimed request")
	if errors.Is(err, sentinel.ErrConflict) {
		// Another instance won the claim; discard silently.
		log.Info("claim lost to concurrent executor")
		if e.metrics != nil {
			e.metrics.ClaimConflicts.Inc()
		}
		return e.mailbox.Ack(ctx, e.cfg.Target, d)
	}
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	e.emit(ctx, claim)
	e.invalidate(ctx, item.CorrelationID, log)

	outcome := e.execute(ctx, item)

	switch outcome.Kind {
	case adapter.OutcomeSuccess:
		return e.commitSuccess(ctx, d, req, outcome, log)
	case adapter.OutcomeTransient:
		return e.requeueTransient(ctx, d, outcome.Reason, log)
	default:
		return e.terminateFailed(ctx, d, outcome.Reason, log)
	}
}

func (e *Executor) commitSuccess(ctx context.Context, d *mailbox.Delivery, req domain.Request, outcome adapter.Outcome, log *slog.Logger) error {
	item := d.Item

	// The SUCCESS transition, the platform refs, and the revoke obligation
	// commit as one unit. A SUCCESS row without its obligation would never be
	// revoked: the redelivery would be discarded as already terminal.
	var event domain.AuditEvent
	err := e.ledger.InTx(ctx, func(ctx context.Context) error {
		var err error
		event, err = e.ledger.Transition(ctx, item.CorrelationID,
			domain.StatusInProgress, domain.StatusSuccess, e.actor, "platform operation successful")
		if err != nil {
			return err
		}
		if len(outcome.Refs) > 0 {
			if err := e.ledger.AppendRefs(ctx, item.CorrelationID, e.cfg.Target, outcome.Refs); err != nil {
				return fmt.Errorf("append external refs: %w", err)
			}
		}
		if req.ExpiresAt != nil {
			if err := e.ledger.ScheduleObligation(ctx, domain.Obligation{
				CorrelationID: item.CorrelationID,
				Target:        e.cfg.Target,
				DueAt:         *req.ExpiresAt,
			}); err != nil {
				return fmt.Errorf("schedule expiry obligation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// The row stays IN_PROGRESS and the item unacked; redelivery retries
		// the whole commit.
		return fmt.Errorf("commit success: %w", err)
	}
	e.emit(ctx, event)
	if req.ExpiresAt != nil {
		log.Info("expiry revocation scheduled", "due_at", req.ExpiresAt)
	}

	e.invalidate(ctx, item.CorrelationID, log)
	e.countOutcome("success")
	log.Info("request committed")
	return e.mailbox.Ack(ctx, e.cfg.Target, d)
}

func (e *Executor) requeueTransient(ctx context.Context, d *mailbox.Delivery, reason string, log *slog.Logger) error {
	item := d.Item
	attempt := item.Attempt + 1

	if attempt >= e.cfg.MaxAttempts {
		// Retry budget exhausted; escalate to a permanent failure.
		detail := fmt.Sprintf("retry budget exhausted after %d transient failures: %s", attempt, reason)
		return e.terminateFailed(ctx, d, detail, log)
	}

	event, err := e.ledger.Transition(ctx, item.CorrelationID,
		domain.StatusInProgress, domain.StatusPending, e.actor,
		fmt.Sprintf("transient failure, re-queued (attempt %d): %s", attempt, reason))
	if err != nil {
		return fmt.Errorf("requeue transition: %w", err)
	}
	e.emit(ctx, event)
	e.invalidate(ctx, item.CorrelationID, log)

	retry := item
	retry.Attempt = attempt
	delay := Backoff(e.cfg.BackoffBase, e.cfg.BackoffCeiling, attempt)
	if err := e.mailbox.EnqueueDelayed(ctx, e.cfg.Target, retry, delay); err != nil {
		// Leave the delivery unacked so redelivery re-drives the now-PENDING
		// request instead of losing it.
		return fmt.Errorf("enqueue retry: %w", err)
	}

	e.countOutcome("transient")
	if e.metrics != nil {
		e.metrics.Retries.WithLabelValues(e.cfg.Target).Inc()
	}
	log.Warn("transient failure, re-queued", "attempt", attempt, "delay", delay, "reason", reason)
	return e.mailbox.Ack(ctx, e.cfg.Target, d)
}

func (e *Executor) terminateFailed(ctx context.Context, d *mailbox.Delivery, reason string, log *slog.Logger) error {
	item := d.Item
	event, err := e.ledger.Transition(ctx, item.CorrelationID,
		domain.StatusInProgress, domain.StatusFailed, e.actor, reason)
	if err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	e.emit(ctx, event)
	e.invalidate(ctx, item.CorrelationID, log)
	e.countOutcome("failed")
	log.Error("request terminated", "reason", reason)
	return e.mailbox.Ack(ctx, e.cfg.Target, d)
}

// processRedrive handles corrective and revoke items. These reference an
// already-successful request, so they never move its status: outcomes are
// recorded as same-status audit events and retried through the same delayed
// mailbox path as normal work.
func (e *Executor) processRedrive(ctx context.Context, d *mailbox.Delivery, req domain.Request, log *slog.Logger) error {
	item := d.Item

	if req.Status != domain.StatusSuccess {
		// The request regressed out of its grant (or never completed);
		// nothing to correct or revoke.
		log.Info("discarding re-drive item", "status", req.Status)
		e.countStaleDiscard()
		return e.mailbox.Ack(ctx, e.cfg.Target, d)
	}

	verb := "drift correction"
	if item.EffectiveKind() == domain.ItemRevoke {
		verb = "expiry revocation"
	}

	outcome := e.execute(ctx, item)

	switch outcome.Kind {
	case adapter.OutcomeSuccess:
		if err := e.appendSameStatusAudit(ctx, req, verb+" applied: "+item.Action); err != nil {
			return err
		}
		if len(outcome.Refs) > 0 {
			if err := e.ledger.AppendRefs(ctx, item.CorrelationID, e.cfg.Target, outcome.Refs); err != nil {
				log.Error("append external refs", "error", err)
			}
		}
		e.countOutcome("success")
		log.Info("re-drive committed", "action", item.Action)
		return e.mailbox.Ack(ctx, e.cfg.Target, d)

	case adapter.OutcomeTransient:
		attempt := item.Attempt + 1
		if attempt >= e.cfg.MaxAttempts {
			if err := e.appendSameStatusAudit(ctx, req,
				fmt.Sprintf("%s abandoned after %d transient failures: %s", verb, attempt, outcome.Reason)); err != nil {
				return err
			}
			e.countOutcome("failed")
			log.Error("re-drive abandoned", "reason", outcome.Reason)
			return e.mailbox.Ack(ctx, e.cfg.Target, d)
		}
		retry := item
		retry.Attempt = attempt
		delay := Backoff(e.cfg.BackoffBase, e.cfg.BackoffCeiling, attempt)
		if err := e.mailbox.EnqueueDelayed(ctx, e.cfg.Target, retry, delay); err != nil {
			return fmt.Errorf("enqueue re-drive retry: %w", err)
		}
		e.countOutcome("transient")
		log.Warn("re-drive re-queued", "attempt", attempt, "delay", delay, "reason", outcome.Reason)
		return e.mailbox.Ack(ctx, e.cfg.Target, d)

	default:
		if err := e.appendSameStatusAudit(ctx, req, verb+" failed permanently: "+outcome.Reason); err != nil {
			return err
		}
		e.countOutcome("failed")
		log.Error("re-drive failed permanently", "reason", outcome.Reason)
		return e.mailbox.Ack(ctx, e.cfg.Target, d)
	}
}

func (e *Executor) appendSameStatusAudit(ctx context.Context, req domain.Request, detail string) error {
	event := domain.AuditEvent{
		CorrelationID: req.CorrelationID,
		OldStatus:     req.Status,
		NewStatus:     req.Status,
		Actor:         e.actor,
		Detail:        detail,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.ledger.AppendAudit(ctx, event); err != nil {
		return fmt.Errorf("append re-drive audit: %w", err)
	}
	e.emit(ctx, event)
	return nil
}

// execute runs the adapter under a hard per-attempt deadline. A hung adapter
// must not block the worker loop, so the call runs in its own goroutine and
// deadline expiry is classified as a transient failure.
func (e *Executor) execute(ctx context.Context, item domain.Item) adapter.Outcome {
	tracer := otel.Tracer("accessbridge/executor")
	ctx, span := tracer.Start(ctx, "adapter.execute")
	span.SetAttributes(
		attribute.String("target", e.cfg.Target),
		attribute.String("correlation_id", item.CorrelationID.String()),
		attribute.Int("attempt", item.Attempt),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan adapter.Outcome, 1)
	go func() {
		done <- e.adapter.Execute(attemptCtx, item)
	}()

	var outcome adapter.Outcome
	select {
	case outcome = <-done:
	case <-attemptCtx.Done():
		outcome = adapter.Transient("attempt deadline exceeded")
	}

	if e.metrics != nil {
		e.metrics.AttemptDurationMs.WithLabelValues(e.cfg.Target).
			Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	return outcome
}

func (e *Executor) invalidate(ctx context.Context, id domain.CorrelationID, log *slog.Logger) {
	if err := e.cache.Invalidate(ctx, id); err != nil {
		// Best-effort: a stale entry expires with the TTL.
		log.Warn("cache invalidation failed", "error", err)
	}
}

func (e *Executor) emit(ctx context.Context, event domain.AuditEvent) {
	if e.fanout != nil {
		e.fanout.Emit(ctx, event)
	}
}

func (e *Executor) countOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.ItemsProcessed.WithLabelValues(e.cfg.Target, outcome).Inc()
	}
}

func (e *Executor) countStaleDiscard() {
	if e.metrics != nil {
		e.metrics.StaleDiscards.Inc()
	}
}
