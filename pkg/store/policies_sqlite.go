package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/policy"
)

// SQLitePolicyStore persists versioned policy definitions.
type SQLitePolicyStore struct {
	db *sql.DB
}

// NewSQLitePolicyStore creates the store and its table.
func NewSQLitePolicyStore(db *sql.DB) (*SQLitePolicyStore, error) {
	s := &SQLitePolicyStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLitePolicyStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_definitions (
		policy_id TEXT NOT NULL,
		version TEXT NOT NULL,
		domain TEXT NOT NULL,
		rules TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at INTEGER NOT NULL,
		evolution_history TEXT,
		PRIMARY KEY (policy_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_policy_definitions_domain ON policy_definitions(domain, active);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLitePolicyStore) Insert(ctx context.Context, p contracts.Policy) error {
	return s.insert(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLitePolicyStore) insert(ctx context.Context, db execer, p contracts.Policy) error {
	rules, err := marshalJSON(p.Rules)
	if err != nil {
		return err
	}
	history, err := marshalJSON(p.EvolutionHistory)
	if err != nil {
		return err
	}
	query := `INSERT INTO policy_definitions
		(policy_id, version, domain, rules, active, created_by, created_at, evolution_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		p.PolicyID, p.Version, p.Domain, rules, boolInt(p.Active), p.CreatedBy, p.CreatedAt, history)
	return err
}

// InsertAndActivate deactivates every sibling version and inserts p as
// active, in one transaction.
func (s *SQLitePolicyStore) InsertAndActivate(ctx context.Context, p contracts.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policy_definitions SET active = 0 WHERE policy_id = ?`, p.PolicyID); err != nil {
		return err
	}
	p.Active = true
	if err := s.insert(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLitePolicyStore) Get(ctx context.Context, policyID, version string) (*contracts.Policy, error) {
	query := `SELECT policy_id, version, domain, rules, active, created_by, created_at, evolution_history
		FROM policy_definitions WHERE policy_id = ? AND version = ?`
	p, err := scanPolicy(s.db.QueryRowContext(ctx, query, policyID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", policy.ErrPolicyNotFound, policyID, version)
	}
	return p, err
}

func (s *SQLitePolicyStore) GetActive(ctx context.Context, policyID string) (*contracts.Policy, error) {
	query := `SELECT policy_id, version, domain, rules, active, created_by, created_at, evolution_history
		FROM policy_definitions WHERE policy_id = ? AND active = 1`
	p, err := scanPolicy(s.db.QueryRowContext(ctx, query, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active version of %s", policy.ErrPolicyNotFound, policyID)
	}
	return p, err
}

func (s *SQLitePolicyStore) List(ctx context.Context, domain string, activeOnly bool) ([]contracts.Policy, error) {
	query := `SELECT policy_id, version, domain, rules, active, created_by, created_at, evolution_history
		FROM policy_definitions WHERE domain = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY policy_id, created_at`
	rows, err := s.db.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (*contracts.Policy, error) {
	var p contracts.Policy
	var rules, history string
	var active int
	if err := row.Scan(&p.PolicyID, &p.Version, &p.Domain, &rules, &active,
		&p.CreatedBy, &p.CreatedAt, &history); err != nil {
		return nil, err
	}
	p.Active = active != 0
	if err := unmarshalJSON(rules, &p.Rules); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(history, &p.EvolutionHistory); err != nil {
		return nil, err
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
