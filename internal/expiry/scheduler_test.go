package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
)

type SchedulerSuite struct {
	suite.Suite
	store     *ledger.MemoryStore
	queue     *mailbox.MemoryQueue
	scheduler *Scheduler
	ctx       context.Context
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.store = ledger.NewMemory()
	s.queue = mailbox.NewMemory()
	s.ctx = context.Background()

	scheduler, err := New(time.Minute, s.store, s.queue)
	s.Require().NoError(err)
	s.scheduler = scheduler
}

// grant inserts a SUCCESS request with a revoke obligation due at dueAt.
func (s *SchedulerSuite) grant(action string, dueAt time.Time) domain.Request {
	req := domain.Request{
		CorrelationID: domain.NewCorrelationID(),
		Target:        "aws",
		Principal:     "svc-deploy",
		Action:        action,
		ReceivedAt:    time.Now().UTC(),
	}
	s.Require().NoError(s.store.Create(s.ctx, req))
	_, err := s.store.Transition(s.ctx, req.CorrelationID,
		domain.StatusPending, domain.StatusInProgress, "w", "claimed")
	s.Require().NoError(err)
	_, err = s.store.Transition(s.ctx, req.CorrelationID,
		domain.StatusInProgress, domain.StatusSuccess, "w", "done")
	s.Require().NoError(err)

	s.Require().NoError(s.store.ScheduleObligation(s.ctx, domain.Obligation{
		CorrelationID: req.CorrelationID,
		Target:        req.Target,
		DueAt:         dueAt,
	}))
	return req
}

func (s *SchedulerSuite) TestDueObligationEnqueuesRevoke() {
	now := time.Now().UTC()
	req := s.grant("attach:AdminPolicy", now.Add(-time.Minute))

	enqueued, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(1, enqueued)

	d, err := s.queue.DequeueBlocking(s.ctx, "aws", time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.Equal(req.CorrelationID, d.Item.CorrelationID)
	s.Equal(domain.ItemRevoke, d.Item.Kind)
	s.Equal("detach:AdminPolicy", d.Item.Action)
}

func (s *SchedulerSuite) TestFutureObligationNotDrained() {
	now := time.Now().UTC()
	s.grant("attach:AdminPolicy", now.Add(time.Hour))

	enqueued, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(0, enqueued)
}

func (s *SchedulerSuite) TestDrainIsIdempotent() {
	now := time.Now().UTC()
	s.grant("grant:s3-read", now.Add(-time.Minute))

	enqueued, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(1, enqueued)

	again, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(0, again, "a drained obligation must not enqueue twice")
}

func (s *SchedulerSuite) TestOrphanedObligationRetired() {
	now := time.Now().UTC()
	s.Require().NoError(s.store.ScheduleObligation(s.ctx, domain.Obligation{
		CorrelationID: domain.NewCorrelationID(), // never admitted
		Target:        "aws",
		DueAt:         now.Add(-time.Minute),
	}))

	enqueued, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(0, enqueued)

	// Retired, not retried forever.
	again, err := s.scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(0, again)

	due, err := s.store.DueObligations(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *SchedulerSuite) TestBatchSizeBounds() {
	now := time.Now().UTC()
	for range 5 {
		s.grant("attach:AdminPolicy", now.Add(-time.Minute))
	}

	scheduler, err := New(time.Minute, s.store, s.queue, WithBatchSize(2))
	s.Require().NoError(err)

	enqueued, err := scheduler.Drain(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(2, enqueued)
}
