package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/authz"
)

// PostgresInvocationStore is the shared-deployment variant of the
// capability invocation audit.
type PostgresInvocationStore struct {
	db *sql.DB
}

// OpenPostgres opens a Postgres connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// NewPostgresInvocationStore creates the store and its table.
func NewPostgresInvocationStore(db *sql.DB) (*PostgresInvocationStore, error) {
	s := &PostgresInvocationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInvocationStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS capability_invocations (
		invocation_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT,
		stage TEXT NOT NULL,
		risk_level TEXT,
		escalation_request_id TEXT,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capability_invocations_agent ON capability_invocations(agent_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresInvocationStore) Record(ctx context.Context, inv authz.Invocation) error {
	query := `INSERT INTO capability_invocations
		(invocation_id, agent_id, capability, allowed, reason, stage, risk_level, escalation_request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		inv.InvocationID, inv.AgentID, inv.Capability, inv.Allowed,
		inv.Reason, inv.Stage, string(inv.RiskLevel), inv.EscalationRequestID, inv.CreatedAt)
	return err
}

var _ authz.InvocationStore = (*PostgresInvocationStore)(nil)
