package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"accessbridge/internal/domain"
	"accessbridge/pkg/platform/sentinel"
	txcontext "accessbridge/pkg/platform/tx"
)

// PostgresStore implements Store on PostgreSQL. Transition runs the row
// update and the audit insert in one SQL transaction so the audit trail
// always matches the current row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the ledger tables. Integration tests and fresh deployments
// run it; production migrations are managed outside the binary.
const Schema = `
CREATE TABLE IF NOT EXISTS requests (
	correlation_id  TEXT PRIMARY KEY,
	target          TEXT NOT NULL,
	principal       TEXT NOT NULL,
	action          TEXT NOT NULL,
	payload         JSONB,
	status          TEXT NOT NULL,
	expires_at      TIMESTAMPTZ,
	received_at     TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS requests_target_status_idx
	ON requests (target, status, received_at, correlation_id);

CREATE TABLE IF NOT EXISTS requests_audit (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	old_status     TEXT NOT NULL,
	new_status     TEXT NOT NULL,
	actor          TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_audit_correlation_idx
	ON requests_audit (correlation_id, id);

CREATE TABLE IF NOT EXISTS requests_ref (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	target         TEXT NOT NULL,
	ref_id         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_ref_correlation_idx
	ON requests_ref (correlation_id);

CREATE TABLE IF NOT EXISTS obligations (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	target         TEXT NOT NULL,
	due_at         TIMESTAMPTZ NOT NULL,
	enqueued       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS obligations_due_idx
	ON obligations (enqueued, due_at);
`

// EnsureSchema applies the ledger schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn inside one SQL transaction. Store calls made through the
// callback's context join that transaction, so a multi-write unit such as a
// status transition plus its revoke obligation commits or rolls back whole.
// Nested calls reuse the transaction already on the context.
func (s *PostgresStore) InTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, req domain.Request) error {
	now := time.Now().UTC()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}
	req.Status = domain.StatusPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (
			correlation_id, target, principal, action, payload,
			status, expires_at, received_at, last_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`,
		string(req.CorrelationID),
		req.Target,
		req.Principal,
		req.Action,
		nullJSON(req.Payload),
		string(req.Status),
		req.ExpiresAt,
		req.ReceivedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("create request %s: %w", req.CorrelationID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests_audit (correlation_id, old_status, new_status, actor, detail, created_at)
		VALUES ($1, '', $2, 'intake', 'request admitted', $3)
	`, string(req.CorrelationID), string(domain.StatusPending), req.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert admit audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.CorrelationID) (domain.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, target, principal, action, payload,
			   status, expires_at, received_at, last_updated_at, completed_at
		FROM requests
		WHERE correlation_id = $1
	`, string(id))

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, fmt.Errorf("get request %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return domain.Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return req, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id domain.CorrelationID, expected, next domain.Status, actor, detail string) (domain.AuditEvent, error) {
	if !expected.CanTransition(next) {
		return domain.AuditEvent{}, fmt.Errorf("transition %s->%s: %w", expected, next, sentinel.ErrInvalidState)
	}
	// Joins a caller-opened transaction when one is on the context; otherwise
	// InTx opens one so the update and the audit insert still commit together.
	if _, ok := txcontext.From(ctx); !ok {
		var event domain.AuditEvent
		err := s.InTx(ctx, func(ctx context.Context) error {
			var err error
			event, err = s.Transition(ctx, id, expected, next, actor, detail)
			return err
		})
		return event, err
	}
	now := time.Now().UTC()
	exec := s.execer(ctx)

	res, err := exec.ExecContext(ctx, `
		UPDATE requests
		SET status = $1,
			last_updated_at = $2,
			completed_at = CASE WHEN $1 IN ('SUCCESS', 'FAILED') THEN $2 ELSE completed_at END
		WHERE correlation_id = $3 AND status = $4
	`, string(next), now, string(id), string(expected))
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("update request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a lost compare-and-set.
		var exists bool
		if err := exec.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM requests WHERE correlation_id = $1)`,
			string(id)).Scan(&exists); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("check request existence: %w", err)
		}
		if !exists {
			return domain.AuditEvent{}, fmt.Errorf("transition %s: %w", id, sentinel.ErrNotFound)
		}
		return domain.AuditEvent{}, fmt.Errorf("transition %s from %s: %w", id, expected, sentinel.ErrConflict)
	}

	event := domain.AuditEvent{
		CorrelationID: id,
		OldStatus:     expected,
		NewStatus:     next,
		Actor:         actor,
		Detail:        detail,
		Timestamp:     now,
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO requests_audit (correlation_id, old_status, new_status, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(id), string(expected), string(next), actor, detail, now)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("insert transition audit: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	if event.OldStatus != event.NewStatus {
		return fmt.Errorf("append audit %s->%s: %w", event.OldStatus, event.NewStatus, sentinel.ErrInvalidState)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO requests_audit (correlation_id, old_status, new_status, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(event.CorrelationID), string(event.OldStatus), string(event.NewStatus),
		event.Actor, event.Detail, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendRefs(ctx context.Context, id domain.CorrelationID, target string, refIDs []string) error {
	now := time.Now().UTC()
	for _, refID := range refIDs {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO requests_ref (correlation_id, target, ref_id, created_at)
			VALUES ($1, $2, $3, $4)
		`, string(id), target, refID, now)
		if err != nil {
			return fmt.Errorf("insert external ref: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListRefs(ctx context.Context, id domain.CorrelationID) ([]domain.ExternalReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, target, ref_id, created_at
		FROM requests_ref
		WHERE correlation_id = $1
		ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query external refs: %w", err)
	}
	defer rows.Close()

	var refs []domain.ExternalReference
	for rows.Next() {
		var ref domain.ExternalReference
		var cid string
		if err := rows.Scan(&cid, &ref.Target, &ref.RefID, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan external ref: %w", err)
		}
		ref.CorrelationID = domain.CorrelationID(cid)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external refs: %w", err)
	}
	return refs, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, id domain.CorrelationID) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, old_status, new_status, actor, detail, created_at
		FROM requests_audit
		WHERE correlation_id = $1
		ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var cid, oldStatus, newStatus string
		if err := rows.Scan(&cid, &oldStatus, &newStatus, &event.Actor, &event.Detail, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.CorrelationID = domain.CorrelationID(cid)
		event.OldStatus = domain.Status(oldStatus)
		event.NewStatus = domain.Status(newStatus)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) ListDesired(ctx context.Context, target string, page Page) ([]domain.Request, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, target, principal, action, payload,
			   status, expires_at, received_at, last_updated_at, completed_at
		FROM requests
		WHERE target = $1
		  AND status IN ('PENDING', 'SUCCESS')
		  AND (received_at, correlation_id) > ($2, $3)
		ORDER BY received_at, correlation_id
		LIMIT $4
	`, target, page.AfterReceived, string(page.AfterID), limit)
	if err != nil {
		return nil, fmt.Errorf("query desired requests: %w", err)
	}
	defer rows.Close()

	var reqs []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan desired request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate desired requests: %w", err)
	}
	return reqs, nil
}

func (s *PostgresStore) ScheduleObligation(ctx context.Context, ob domain.Obligation) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO obligations (correlation_id, target, due_at)
		VALUES ($1, $2, $3)
	`, string(ob.CorrelationID), ob.Target, ob.DueAt)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueObligations(ctx context.Context, now time.Time, limit int) ([]domain.Obligation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, target, due_at, enqueued
		FROM obligations
		WHERE enqueued = FALSE AND due_at <= $1
		ORDER BY due_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due obligations: %w", err)
	}
	defer rows.Close()

	var obs []domain.Obligation
	for rows.Next() {
		var ob domain.Obligation
		var cid string
		if err := rows.Scan(&ob.ID, &cid, &ob.Target, &ob.DueAt, &ob.Enqueued); err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		ob.CorrelationID = domain.CorrelationID(cid)
		obs = append(obs, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate obligations: %w", err)
	}
	return obs, nil
}

func (s *PostgresStore) MarkObligationEnqueued(ctx context.Context, obligationID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE obligations SET enqueued = TRUE WHERE id = $1 AND enqueued = FALSE`,
		obligationID)
	if err != nil {
		return fmt.Errorf("mark obligation enqueued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("obligation rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("obligation %d: %w", obligationID, sentinel.ErrConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var (
		req       domain.Request
		cid       string
		status    string
		payload   []byte
		expiresAt sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&cid, &req.Target, &req.Principal, &req.Action, &payload,
		&status, &expiresAt, &req.ReceivedAt, &req.UpdatedAt, &completed)
	if err != nil {
		return domain.Request{}, err
	}
	req.CorrelationID = domain.CorrelationID(cid)
	req.Status = domain.Status(status)
	req.Payload = payload
	if expiresAt.Valid {
		t := expiresAt.Time
		req.ExpiresAt = &t
	}
	if completed.Valid {
		t := completed.Time
		req.CompletedAt = &t
	}
	return req, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
