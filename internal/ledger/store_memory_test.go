package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accessbridge/internal/domain"
	"accessbridge/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemory()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) newRequest(target string) domain.Request {
	return domain.Request{
		CorrelationID: domain.NewCorrelationID(),
		Target:        target,
		Principal:     "svc-deploy",
		Action:        "attach:ReadOnly",
		Payload:       json.RawMessage(`{}`),
		ReceivedAt:    time.Now().UTC(),
	}
}

func (s *MemoryStoreSuite) TestCreate() {
	s.Run("creates pending row with first audit event", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, got.Status)

		events, err := s.store.ListAudit(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(domain.StatusPending, events[0].NewStatus)
		s.Equal("intake", events[0].Actor)
	})

	s.Run("duplicate correlation id rejected", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))
		err := s.store.Create(s.ctx, req)
		s.Require().ErrorIs(err, sentinel.ErrDuplicate)
	})
}

func (s *MemoryStoreSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "no-such-id")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestTransition() {
	s.Run("legal edge moves status and appends audit", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		event, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "worker-1", "claimed")
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, event.OldStatus)
		s.Equal(domain.StatusInProgress, event.NewStatus)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusInProgress, got.Status)
	})

	s.Run("mismatched expected status conflicts", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))
		_, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "worker-1", "claimed")
		s.Require().NoError(err)

		_, err = s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "worker-2", "claimed")
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("illegal edge rejected before touching the row", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		_, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusSuccess, "worker-1", "skip in_progress")
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, got.Status)
	})

	s.Run("missing row reported as not found", func() {
		_, err := s.store.Transition(s.ctx, "no-such-id",
			domain.StatusPending, domain.StatusInProgress, "worker-1", "claimed")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("terminal status stamps completion time", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))
		_, err := s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusPending, domain.StatusInProgress, "worker-1", "claimed")
		s.Require().NoError(err)
		_, err = s.store.Transition(s.ctx, req.CorrelationID,
			domain.StatusInProgress, domain.StatusSuccess, "worker-1", "done")
		s.Require().NoError(err)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Require().NotNil(got.CompletedAt)
	})
}

// Many goroutines racing the same claim: exactly one compare-and-set wins and
// the losers all see a conflict.
func (s *MemoryStoreSuite) TestTransitionSingleWinner() {
	req := s.newRequest("aws")
	s.Require().NoError(s.store.Create(s.ctx, req))

	const racers = 32
	var wins, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Transition(s.ctx, req.CorrelationID,
				domain.StatusPending, domain.StatusInProgress,
				fmt.Sprintf("worker-%d", i), "claimed")
			switch {
			case err == nil:
				wins.Add(1)
			default:
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int64(1), wins.Load())
	s.Equal(int64(racers-1), conflicts.Load())

	events, err := s.store.ListAudit(s.ctx, req.CorrelationID)
	s.Require().NoError(err)
	s.Len(events, 2, "only the winner appends an audit event")
}

// Replaying the audit trail in order must land on the row's current status.
func (s *MemoryStoreSuite) TestAuditReplayReproducesStatus() {
	req := s.newRequest("aws")
	s.Require().NoError(s.store.Create(s.ctx, req))

	steps := []struct{ from, to domain.Status }{
		{domain.StatusPending, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusPending}, // transient retry
		{domain.StatusPending, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusSuccess},
	}
	for _, step := range steps {
		_, err := s.store.Transition(s.ctx, req.CorrelationID, step.from, step.to, "worker-1", "step")
		s.Require().NoError(err)
	}

	events, err := s.store.ListAudit(s.ctx, req.CorrelationID)
	s.Require().NoError(err)

	var replayed domain.Status
	for _, event := range events {
		s.Equal(replayed, event.OldStatus, "audit chain must be gapless")
		replayed = event.NewStatus
	}

	got, err := s.store.Get(s.ctx, req.CorrelationID)
	s.Require().NoError(err)
	s.Equal(got.Status, replayed)
}

func (s *MemoryStoreSuite) TestAppendAudit() {
	s.Run("same-status event accepted", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		err := s.store.AppendAudit(s.ctx, domain.AuditEvent{
			CorrelationID: req.CorrelationID,
			OldStatus:     domain.StatusPending,
			NewStatus:     domain.StatusPending,
			Actor:         "sweeper/aws",
			Detail:        "drift correction applied",
		})
		s.Require().NoError(err)

		events, err := s.store.ListAudit(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Len(events, 2)
	})

	s.Run("status-moving event rejected", func() {
		err := s.store.AppendAudit(s.ctx, domain.AuditEvent{
			CorrelationID: "x",
			OldStatus:     domain.StatusPending,
			NewStatus:     domain.StatusSuccess,
		})
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *MemoryStoreSuite) TestRefs() {
	req := s.newRequest("aws")
	s.Require().NoError(s.store.Create(s.ctx, req))

	s.Require().NoError(s.store.AppendRefs(s.ctx, req.CorrelationID, "aws", []string{"policy-arn-1", "policy-arn-2"}))

	refs, err := s.store.ListRefs(s.ctx, req.CorrelationID)
	s.Require().NoError(err)
	s.Require().Len(refs, 2)
	s.Equal("policy-arn-1", refs[0].RefID)
	s.Equal("aws", refs[0].Target)
}

func (s *MemoryStoreSuite) TestListDesired() {
	base := time.Now().UTC().Truncate(time.Second)
	var created []domain.Request
	for i := range 5 {
		req := s.newRequest("aws")
		req.ReceivedAt = base.Add(time.Duration(i) * time.Second)
		s.Require().NoError(s.store.Create(s.ctx, req))
		created = append(created, req)
	}
	other := s.newRequest("gcp")
	s.Require().NoError(s.store.Create(s.ctx, other))

	// Drive one row to FAILED so it drops out of the desired set.
	_, err := s.store.Transition(s.ctx, created[0].CorrelationID,
		domain.StatusPending, domain.StatusInProgress, "w", "claimed")
	s.Require().NoError(err)
	_, err = s.store.Transition(s.ctx, created[0].CorrelationID,
		domain.StatusInProgress, domain.StatusFailed, "w", "denied")
	s.Require().NoError(err)

	s.Run("filters by target and excludes failed rows", func() {
		rows, err := s.store.ListDesired(s.ctx, "aws", Page{Limit: 10})
		s.Require().NoError(err)
		s.Len(rows, 4)
		for _, row := range rows {
			s.Equal("aws", row.Target)
			s.NotEqual(domain.StatusFailed, row.Status)
		}
	})

	s.Run("keyset cursor pages without overlap", func() {
		first, err := s.store.ListDesired(s.ctx, "aws", Page{Limit: 2})
		s.Require().NoError(err)
		s.Require().Len(first, 2)

		last := first[len(first)-1]
		second, err := s.store.ListDesired(s.ctx, "aws", Page{
			AfterReceived: last.ReceivedAt,
			AfterID:       last.CorrelationID,
			Limit:         10,
		})
		s.Require().NoError(err)
		s.Require().Len(second, 2)

		seen := make(map[domain.CorrelationID]bool)
		for _, row := range append(first, second...) {
			s.False(seen[row.CorrelationID], "row %s returned twice", row.CorrelationID)
			seen[row.CorrelationID] = true
		}
	})
}

func (s *MemoryStoreSuite) TestInTx() {
	s.Run("error rolls back every write", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		boom := fmt.Errorf("obligation table unavailable")
		err := s.store.InTx(s.ctx, func(ctx context.Context) error {
			_, err := s.store.Transition(ctx, req.CorrelationID,
				domain.StatusPending, domain.StatusInProgress, "w", "claimed")
			s.Require().NoError(err)
			_, err = s.store.Transition(ctx, req.CorrelationID,
				domain.StatusInProgress, domain.StatusSuccess, "w", "done")
			s.Require().NoError(err)
			s.Require().NoError(s.store.AppendRefs(ctx, req.CorrelationID, "aws", []string{"policy-arn-1"}))
			return boom
		})
		s.Require().ErrorIs(err, boom)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, got.Status, "rolled-back transition must not stick")

		events, err := s.store.ListAudit(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Len(events, 1, "only the admit event survives the rollback")

		refs, err := s.store.ListRefs(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Empty(refs)
	})

	s.Run("success keeps every write", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		err := s.store.InTx(s.ctx, func(ctx context.Context) error {
			_, err := s.store.Transition(ctx, req.CorrelationID,
				domain.StatusPending, domain.StatusInProgress, "w", "claimed")
			if err != nil {
				return err
			}
			return s.store.ScheduleObligation(ctx, domain.Obligation{
				CorrelationID: req.CorrelationID,
				Target:        "aws",
				DueAt:         time.Now().UTC(),
			})
		})
		s.Require().NoError(err)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusInProgress, got.Status)

		obs, err := s.store.DueObligations(s.ctx, time.Now().UTC().Add(time.Minute), 10)
		s.Require().NoError(err)
		s.Len(obs, 1)
	})

	s.Run("nested call joins the outer unit", func() {
		req := s.newRequest("aws")
		s.Require().NoError(s.store.Create(s.ctx, req))

		boom := fmt.Errorf("nested failure")
		err := s.store.InTx(s.ctx, func(ctx context.Context) error {
			return s.store.InTx(ctx, func(ctx context.Context) error {
				_, err := s.store.Transition(ctx, req.CorrelationID,
					domain.StatusPending, domain.StatusInProgress, "w", "claimed")
				s.Require().NoError(err)
				return boom
			})
		})
		s.Require().ErrorIs(err, boom)

		got, err := s.store.Get(s.ctx, req.CorrelationID)
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, got.Status)
	})
}

func (s *MemoryStoreSuite) TestObligations() {
	now := time.Now().UTC()
	req := s.newRequest("aws")
	s.Require().NoError(s.store.Create(s.ctx, req))

	s.Require().NoError(s.store.ScheduleObligation(s.ctx, domain.Obligation{
		CorrelationID: req.CorrelationID,
		Target:        "aws",
		DueAt:         now.Add(-time.Minute),
	}))
	s.Require().NoError(s.store.ScheduleObligation(s.ctx, domain.Obligation{
		CorrelationID: req.CorrelationID,
		Target:        "aws",
		DueAt:         now.Add(time.Hour),
	}))

	s.Run("only due obligations returned", func() {
		due, err := s.store.DueObligations(s.ctx, now, 10)
		s.Require().NoError(err)
		s.Require().Len(due, 1)
		s.True(due[0].DueAt.Before(now))
	})

	s.Run("mark enqueued is exactly-once", func() {
		due, err := s.store.DueObligations(s.ctx, now, 10)
		s.Require().NoError(err)
		s.Require().Len(due, 1)

		s.Require().NoError(s.store.MarkObligationEnqueued(s.ctx, due[0].ID))
		s.Require().ErrorIs(s.store.MarkObligationEnqueued(s.ctx, due[0].ID), sentinel.ErrConflict)

		again, err := s.store.DueObligations(s.ctx, now, 10)
		s.Require().NoError(err)
		s.Empty(again)
	})

	s.Run("unknown obligation id reported", func() {
		s.Require().ErrorIs(s.store.MarkObligationEnqueued(s.ctx, 9999), sentinel.ErrNotFound)
	})
}
