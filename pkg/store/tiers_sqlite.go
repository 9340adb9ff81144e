package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wardenhq/warden/pkg/contracts"
)

// SQLiteTierStore persists the append-only tier transition log.
type SQLiteTierStore struct {
	db *sql.DB
}

// NewSQLiteTierStore creates the store and its table.
func NewSQLiteTierStore(db *sql.DB) (*SQLiteTierStore, error) {
	s := &SQLiteTierStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTierStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tier_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		from_tier INTEGER NOT NULL,
		to_tier INTEGER NOT NULL,
		changed_by TEXT NOT NULL,
		reason TEXT,
		changed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tier_transitions_agent ON tier_transitions(agent_id, id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteTierStore) Append(ctx context.Context, t contracts.TierTransition) error {
	query := `INSERT INTO tier_transitions (agent_id, from_tier, to_tier, changed_by, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.AgentID, int(t.FromTier), int(t.ToTier), t.ChangedBy, t.Reason, t.ChangedAt)
	return err
}

func (s *SQLiteTierStore) Latest(ctx context.Context, agentID string) (*contracts.TierTransition, error) {
	query := `SELECT agent_id, from_tier, to_tier, changed_by, reason, changed_at
		FROM tier_transitions WHERE agent_id = ? ORDER BY id DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, agentID)
	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteTierStore) History(ctx context.Context, agentID string) ([]contracts.TierTransition, error) {
	query := `SELECT agent_id, from_tier, to_tier, changed_by, reason, changed_at
		FROM tier_transitions WHERE agent_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TierTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransition(row rowScanner) (*contracts.TierTransition, error) {
	var t contracts.TierTransition
	var from, to int
	if err := row.Scan(&t.AgentID, &from, &to, &t.ChangedBy, &t.Reason, &t.ChangedAt); err != nil {
		return nil, err
	}
	t.FromTier = contracts.AgentTier(from)
	t.ToTier = contracts.AgentTier(to)
	return &t, nil
}
