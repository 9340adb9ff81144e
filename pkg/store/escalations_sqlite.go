package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/escalation"
)

// SQLiteEscalationStore persists escalation requests.
type SQLiteEscalationStore struct {
	db *sql.DB
}

// NewSQLiteEscalationStore creates the store and its table.
func NewSQLiteEscalationStore(db *sql.DB) (*SQLiteEscalationStore, error) {
	s := &SQLiteEscalationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEscalationStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS escalation_requests (
		request_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		requested_capability TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		reviewed_by TEXT,
		reviewed_at INTEGER,
		deny_reason TEXT,
		context TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_escalation_requests_status ON escalation_requests(status, requested_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteEscalationStore) Insert(ctx context.Context, r contracts.EscalationRequest) error {
	reqCtx, err := marshalJSON(r.Context)
	if err != nil {
		return err
	}
	query := `INSERT INTO escalation_requests
		(request_id, agent_id, requested_capability, reason, status, requested_at, reviewed_by, reviewed_at, deny_reason, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.RequestID, r.AgentID, r.Capability, r.Reason, string(r.Status),
		r.RequestedAt, r.ReviewedBy, nullInt64(r.ReviewedAt), r.DenyReason, reqCtx)
	return err
}

func (s *SQLiteEscalationStore) Get(ctx context.Context, requestID string) (*contracts.EscalationRequest, error) {
	query := `SELECT request_id, agent_id, requested_capability, reason, status, requested_at, reviewed_by, reviewed_at, deny_reason, context
		FROM escalation_requests WHERE request_id = ?`
	r, err := scanEscalation(s.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escalation.ErrRequestNotFound, requestID)
	}
	return r, err
}

func (s *SQLiteEscalationStore) Update(ctx context.Context, r contracts.EscalationRequest) error {
	query := `UPDATE escalation_requests
		SET status = ?, reviewed_by = ?, reviewed_at = ?, deny_reason = ?
		WHERE request_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(r.Status), r.ReviewedBy, nullInt64(r.ReviewedAt), r.DenyReason, r.RequestID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", escalation.ErrRequestNotFound, r.RequestID)
	}
	return nil
}

func (s *SQLiteEscalationStore) PendingBefore(ctx context.Context, cutoff int64) ([]contracts.EscalationRequest, error) {
	query := `SELECT request_id, agent_id, requested_capability, reason, status, requested_at, reviewed_by, reviewed_at, deny_reason, context
		FROM escalation_requests WHERE status = ? AND requested_at <= ? ORDER BY requested_at`
	rows, err := s.db.QueryContext(ctx, query, string(contracts.EscalationPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EscalationRequest
	for rows.Next() {
		r, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanEscalation(row rowScanner) (*contracts.EscalationRequest, error) {
	var r contracts.EscalationRequest
	var status, reqCtx string
	var reviewedAt sql.NullInt64
	if err := row.Scan(&r.RequestID, &r.AgentID, &r.Capability, &r.Reason, &status,
		&r.RequestedAt, &r.ReviewedBy, &reviewedAt, &r.DenyReason, &reqCtx); err != nil {
		return nil, err
	}
	r.Status = contracts.EscalationStatus(status)
	r.ReviewedAt = reviewedAt.Int64
	if err := unmarshalJSON(reqCtx, &r.Context); err != nil {
		return nil, err
	}
	return &r, nil
}
