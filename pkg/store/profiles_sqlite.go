package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/profile"
)

// SQLiteProfileStore persists agent capability profiles.
type SQLiteProfileStore struct {
	db *sql.DB
}

// NewSQLiteProfileStore creates the store and its table.
func NewSQLiteProfileStore(db *sql.DB) (*SQLiteProfileStore, error) {
	s := &SQLiteProfileStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProfileStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_profiles (
		agent_id TEXT PRIMARY KEY,
		tier INTEGER NOT NULL,
		allowed_capabilities TEXT,
		forbidden_capabilities TEXT,
		default_level TEXT NOT NULL,
		escalation_policy TEXT NOT NULL,
		agent_type TEXT,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteProfileStore) Get(ctx context.Context, agentID string) (*contracts.AgentProfile, error) {
	query := `SELECT agent_id, tier, allowed_capabilities, forbidden_capabilities,
		default_level, escalation_policy, agent_type, updated_at
		FROM agent_profiles WHERE agent_id = ?`
	row := s.db.QueryRowContext(ctx, query, agentID)

	var p contracts.AgentProfile
	var tier int
	var allowed, forbidden, level, policy string
	err := row.Scan(&p.AgentID, &tier, &allowed, &forbidden, &level, &policy, &p.AgentType, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", profile.ErrProfileNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}

	p.Tier = contracts.AgentTier(tier)
	p.DefaultLevel = contracts.ParseRiskLevel(level)
	p.EscalationPolicy = contracts.ParseEscalationPolicy(policy)
	if err := unmarshalJSON(allowed, &p.AllowedCapabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(forbidden, &p.ForbiddenCapabilities); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteProfileStore) Put(ctx context.Context, p contracts.AgentProfile) error {
	allowed, err := marshalJSON(p.AllowedCapabilities)
	if err != nil {
		return err
	}
	forbidden, err := marshalJSON(p.ForbiddenCapabilities)
	if err != nil {
		return err
	}
	query := `INSERT INTO agent_profiles
		(agent_id, tier, allowed_capabilities, forbidden_capabilities, default_level, escalation_policy, agent_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tier=excluded.tier,
			allowed_capabilities=excluded.allowed_capabilities,
			forbidden_capabilities=excluded.forbidden_capabilities,
			default_level=excluded.default_level,
			escalation_policy=excluded.escalation_policy,
			agent_type=excluded.agent_type,
			updated_at=excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		p.AgentID, int(p.Tier), allowed, forbidden,
		string(p.DefaultLevel), string(p.EscalationPolicy), p.AgentType, p.UpdatedAt)
	return err
}
