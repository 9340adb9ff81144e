package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQuotaStore persists per-agent resource usage counters.
type SQLiteQuotaStore struct {
	db *sql.DB
}

// NewSQLiteQuotaStore creates the store and its table.
func NewSQLiteQuotaStore(db *sql.DB) (*SQLiteQuotaStore, error) {
	s := &SQLiteQuotaStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteQuotaStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS resource_quotas (
		agent_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		usage INTEGER NOT NULL DEFAULT 0,
		last_reset INTEGER NOT NULL,
		PRIMARY KEY (agent_id, resource_type)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Apply resets the counter when the interval has elapsed, then adds
// delta, in one transaction.
func (s *SQLiteQuotaStore) Apply(ctx context.Context, agentID, resourceType string, delta int64, resetInterval time.Duration, now int64) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var usage, lastReset int64
	err = tx.QueryRowContext(ctx,
		`SELECT usage, last_reset FROM resource_quotas WHERE agent_id = ? AND resource_type = ?`,
		agentID, resourceType).Scan(&usage, &lastReset)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		usage, lastReset = 0, now
	case err != nil:
		return 0, 0, err
	}

	if resetInterval > 0 && now-lastReset >= resetInterval.Milliseconds() {
		usage, lastReset = 0, now
	}
	usage += delta

	_, err = tx.ExecContext(ctx,
		`INSERT INTO resource_quotas (agent_id, resource_type, usage, last_reset)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, resource_type) DO UPDATE SET usage=excluded.usage, last_reset=excluded.last_reset`,
		agentID, resourceType, usage, lastReset)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return usage, lastReset, nil
}
