package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/override"
)

// SQLiteOverrideStore persists emergency override tokens. Consume is a
// single conditional UPDATE, so concurrent validations race safely and
// exactly one wins.
type SQLiteOverrideStore struct {
	db *sql.DB
}

// NewSQLiteOverrideStore creates the store and its table.
func NewSQLiteOverrideStore(db *sql.DB) (*SQLiteOverrideStore, error) {
	s := &SQLiteOverrideStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteOverrideStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS governance_overrides (
		override_id TEXT PRIMARY KEY,
		admin_id TEXT NOT NULL,
		blocked_operation TEXT NOT NULL,
		reason TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at INTEGER,
		created_at INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteOverrideStore) Insert(ctx context.Context, t contracts.OverrideToken) error {
	query := `INSERT INTO governance_overrides
		(override_id, admin_id, blocked_operation, reason, expires_at, used, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.OverrideID, t.AdminID, t.BlockedOperation, t.Reason, t.ExpiresAt,
		boolInt(t.Used), nullInt64(t.UsedAt), t.CreatedAt)
	return err
}

func (s *SQLiteOverrideStore) Get(ctx context.Context, overrideID string) (*contracts.OverrideToken, error) {
	query := `SELECT override_id, admin_id, blocked_operation, reason, expires_at, used, used_at, created_at
		FROM governance_overrides WHERE override_id = ?`
	row := s.db.QueryRowContext(ctx, query, overrideID)

	var t contracts.OverrideToken
	var used int
	var usedAt sql.NullInt64
	err := row.Scan(&t.OverrideID, &t.AdminID, &t.BlockedOperation, &t.Reason,
		&t.ExpiresAt, &used, &usedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Used = used != 0
	t.UsedAt = usedAt.Int64
	return &t, nil
}

// Consume marks the token used iff it is present, unused, and unexpired.
// The conditional UPDATE is the atomic unit; the follow-up read only
// classifies a miss.
func (s *SQLiteOverrideStore) Consume(ctx context.Context, overrideID string, now int64) (override.ConsumeOutcome, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE governance_overrides SET used = 1, used_at = ?
		 WHERE override_id = ? AND used = 0 AND expires_at > ?`,
		now, overrideID, now)
	if err != nil {
		return override.ConsumeNotFound, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return override.ConsumeNotFound, err
	}
	if n == 1 {
		return override.Consumed, nil
	}

	t, err := s.Get(ctx, overrideID)
	if err != nil {
		return override.ConsumeNotFound, err
	}
	switch {
	case t == nil:
		return override.ConsumeNotFound, nil
	case t.Used:
		return override.ConsumeAlreadyUsed, nil
	default:
		return override.ConsumeExpired, nil
	}
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
