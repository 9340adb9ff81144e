package store

import (
	"context"
	"database/sql"

	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/contracts"
)

// SQLiteInvocationStore persists the capability invocation audit.
type SQLiteInvocationStore struct {
	db *sql.DB
}

// NewSQLiteInvocationStore creates the store and its table.
func NewSQLiteInvocationStore(db *sql.DB) (*SQLiteInvocationStore, error) {
	s := &SQLiteInvocationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInvocationStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS capability_invocations (
		invocation_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		reason TEXT,
		stage TEXT NOT NULL,
		risk_level TEXT,
		escalation_request_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capability_invocations_agent ON capability_invocations(agent_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteInvocationStore) Record(ctx context.Context, inv authz.Invocation) error {
	query := `INSERT INTO capability_invocations
		(invocation_id, agent_id, capability, allowed, reason, stage, risk_level, escalation_request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		inv.InvocationID, inv.AgentID, inv.Capability, boolInt(inv.Allowed),
		inv.Reason, inv.Stage, string(inv.RiskLevel), inv.EscalationRequestID, inv.CreatedAt)
	return err
}

// ListByAgent returns an agent's invocation audit rows, newest first.
func (s *SQLiteInvocationStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]authz.Invocation, error) {
	query := `SELECT invocation_id, agent_id, capability, allowed, reason, stage, risk_level, escalation_request_id, created_at
		FROM capability_invocations WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []authz.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvocation(row rowScanner) (authz.Invocation, error) {
	var inv authz.Invocation
	var allowed int
	var level string
	err := row.Scan(&inv.InvocationID, &inv.AgentID, &inv.Capability, &allowed,
		&inv.Reason, &inv.Stage, &level, &inv.EscalationRequestID, &inv.CreatedAt)
	if err != nil {
		return inv, err
	}
	inv.Allowed = allowed != 0
	if level != "" {
		inv.RiskLevel = contracts.RiskLevel(level)
	}
	return inv, nil
}

var _ authz.InvocationStore = (*SQLiteInvocationStore)(nil)
