package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accessbridge/internal/adapter"
	"accessbridge/internal/domain"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
)

type SweeperSuite struct {
	suite.Suite
	store *ledger.MemoryStore
	queue *mailbox.MemoryQueue
	fake  *adapter.Fake
	ctx   context.Context
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

func (s *SweeperSuite) SetupTest() {
	s.store = ledger.NewMemory()
	s.queue = mailbox.NewMemory()
	s.fake = adapter.NewFake()
	s.ctx = context.Background()
}

func (s *SweeperSuite) newSweeper(opts ...Option) *Sweeper {
	sw, err := New("aws", time.Minute, s.store, s.queue, s.fake, opts...)
	s.Require().NoError(err)
	return sw
}

// seed inserts a request and optionally drives it to SUCCESS.
func (s *SweeperSuite) seed(principal, action string, succeed bool) domain.Request {
	req := domain.Request{
		CorrelationID: domain.NewCorrelationID(),
		Target:        "aws",
		Principal:     principal,
		Action:        action,
		ReceivedAt:    time.Now().UTC(),
	}
	s.Require().NoError(s.store.Create(s.ctx, req))
	if succeed {
		_, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "w", "claimed")
		s.Require().NoError(err)
		_, err = s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusInProgress, domain.StatusSuccess, "w", "done")
		s.Require().NoError(err)
	}
	return req
}

// seedExpiring is seed with an expiry stamped on the request.
func (s *SweeperSuite) seedExpiring(principal, action string, expiresAt time.Time) domain.Request {
	req := domain.Request{
		CorrelationID: domain.NewCorrelationID(),
		Target:        "aws",
		Principal:     principal,
		Action:        action,
		ExpiresAt:     &expiresAt,
		ReceivedAt:    time.Now().UTC(),
	}
	s.Require().NoError(s.store.Create(s.ctx, req))
	_, err := s.store.Transition(s.ctx, req.CorrelationID,
		domain.StatusPending, domain.StatusInProgress, "w", "claimed")
	s.Require().NoError(err)
	_, err = s.store.Transition(s.ctx, req.CorrelationID,
		domain.StatusInProgress, domain.StatusSuccess, "w", "done")
	s.Require().NoError(err)
	return req
}

func (s *SweeperSuite) TestNewValidation() {
	_, err := New("", time.Minute, s.store, s.queue, s.fake)
	s.Error(err)
	_, err = New("aws", time.Minute, nil, s.queue, s.fake)
	s.Error(err)
}

func (s *SweeperSuite) TestDriftEnqueuesCorrectiveItem() {
	req := s.seed("svc-a", "attach:ReadOnly", true)
	s.fake.SetState("svc-a", "attach:ReadOnly", adapter.ActualState{Applied: false, Detail: "policy detached"})

	corrected, err := s.newSweeper().Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, corrected)

	d, err := s.queue.DequeueBlocking(s.ctx, "aws", time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.Equal(req.CorrelationID, d.Item.CorrelationID)
	s.Equal(domain.ItemCorrect, d.Item.Kind)
	s.Equal(req.Action, d.Item.Action, "correction re-applies the original action")
}

func (s *SweeperSuite) TestAppliedStateEnqueuesNothing() {
	s.seed("svc-a", "attach:ReadOnly", true)
	// Fake defaults to Applied: true.

	corrected, err := s.newSweeper().Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, corrected)

	d, err := s.queue.DequeueBlocking(s.ctx, "aws", 10*time.Millisecond)
	s.Require().NoError(err)
	s.Nil(d)
}

func (s *SweeperSuite) TestPendingRowsSkipped() {
	req := s.seed("svc-a", "attach:ReadOnly", false)
	s.fake.SetState("svc-a", "attach:ReadOnly", adapter.ActualState{Applied: false})

	corrected, err := s.newSweeper().Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, corrected, "in-flight rows are left to the normal path")
	s.Empty(s.fake.Queried(), "pending row %s must not be queried", req.CorrelationID)
}

func (s *SweeperSuite) TestQueryErrorSkipsRow() {
	s.seed("svc-a", "attach:A", true)
	s.seed("svc-b", "attach:B", true)
	s.fake.SetState("svc-b", "attach:B", adapter.ActualState{Applied: false})

	// errOnce fails the first QueryState and delegates the rest.
	sw := s.newSweeper()
	sw.adapter = &errOnce{next: s.fake}

	corrected, err := sw.Sweep(s.ctx)
	s.Require().NoError(err, "one unreadable row must not abort the sweep")
	s.Equal(1, corrected)
}

func (s *SweeperSuite) TestSweepPagesThroughDesiredSet() {
	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		req := domain.Request{
			CorrelationID: domain.NewCorrelationID(),
			Target:        "aws",
			Principal:     "svc-a",
			Action:        "attach:ReadOnly",
			ReceivedAt:    base.Add(time.Duration(i) * time.Second),
		}
		s.Require().NoError(s.store.Create(s.ctx, req))
		_, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "w", "claimed")
		s.Require().NoError(err)
		_, err = s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusInProgress, domain.StatusSuccess, "w", "done")
		s.Require().NoError(err)
	}
	s.fake.SetState("svc-a", "attach:ReadOnly", adapter.ActualState{Applied: false})

	corrected, err := s.newSweeper(WithPageSize(2)).Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, corrected, "pagination must cover the whole desired set")
}

func (s *SweeperSuite) TestExpiredGrantNotReapplied() {
	// Once a grant's expiry has passed and the revoke has run, the platform
	// reporting the action as absent is the desired state, not drift.
	req := s.seedExpiring("svc-a", "attach:AdminPolicy", time.Now().Add(-time.Hour))
	s.fake.SetState("svc-a", "attach:AdminPolicy", adapter.ActualState{Applied: false, Detail: "revoked on expiry"})

	corrected, err := s.newSweeper().Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, corrected)

	d, err := s.queue.DequeueBlocking(s.ctx, "aws", 10*time.Millisecond)
	s.Require().NoError(err)
	s.Nil(d, "expired grant %s must not be re-applied", req.CorrelationID)
	s.Empty(s.fake.Queried(), "expired rows are not worth a platform round trip")
}

func (s *SweeperSuite) TestUnexpiredGrantStillCorrected() {
	req := s.seedExpiring("svc-a", "attach:ReadOnly", time.Now().Add(time.Hour))
	s.fake.SetState("svc-a", "attach:ReadOnly", adapter.ActualState{Applied: false})

	corrected, err := s.newSweeper().Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, corrected)

	d, err := s.queue.DequeueBlocking(s.ctx, "aws", time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.Equal(req.CorrelationID, d.Item.CorrelationID)
	s.Equal(domain.ItemCorrect, d.Item.Kind)
}

func (s *SweeperSuite) TestCustomPolicy() {
	s.seed("svc-a", "attach:ReadOnly", true)

	never := Policy{
		Candidate: func(domain.Request) bool { return false },
		Drifted:   func(domain.Request, adapter.ActualState) bool { return true },
	}
	corrected, err := s.newSweeper(WithPolicy(never)).Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, corrected)
}

type errOnce struct {
	next  adapter.Adapter
	fired bool
}

func (e *errOnce) Execute(ctx context.Context, item domain.Item) adapter.Outcome {
	return e.next.Execute(ctx, item)
}

func (e *errOnce) QueryState(ctx context.Context, principal, action string) (adapter.ActualState, error) {
	if !e.fired {
		e.fired = true
		return adapter.ActualState{}, context.DeadlineExceeded
	}
	return e.next.QueryState(ctx, principal, action)
}
