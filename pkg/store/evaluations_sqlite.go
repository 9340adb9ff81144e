package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/contracts"
)

// SQLiteEvaluationStore persists policy evaluations and risk
// assessments. It is the governance engine's evaluation sink.
type SQLiteEvaluationStore struct {
	db *sql.DB
}

// NewSQLiteEvaluationStore creates the store and its tables.
func NewSQLiteEvaluationStore(db *sql.DB) (*SQLiteEvaluationStore, error) {
	s := &SQLiteEvaluationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEvaluationStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_evaluations (
		evaluation_id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		version TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		action TEXT NOT NULL,
		rule_id TEXT,
		reason TEXT,
		evaluated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS risk_assessments (
		assessment_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		score REAL NOT NULL,
		level TEXT NOT NULL,
		factors TEXT,
		mitigation_required INTEGER NOT NULL DEFAULT 0,
		assessed_at INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteEvaluationStore) RecordPolicyEvaluation(ctx context.Context, eval contracts.PolicyEvaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = uuid.New().String()
	}
	query := `INSERT INTO policy_evaluations
		(evaluation_id, policy_id, version, agent_id, capability, action, rule_id, reason, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		eval.EvaluationID, eval.PolicyID, eval.Version, eval.AgentID, eval.Capability,
		string(eval.Action), eval.RuleID, eval.Reason, eval.EvaluatedAt)
	return err
}

func (s *SQLiteEvaluationStore) RecordRiskAssessment(ctx context.Context, agentID, capabilityID string, score contracts.RiskScore) error {
	factors, err := marshalJSON(score.Factors)
	if err != nil {
		return err
	}
	query := `INSERT INTO risk_assessments
		(assessment_id, agent_id, capability, score, level, factors, mitigation_required, assessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(), agentID, capabilityID, score.Score, string(score.Level),
		factors, boolInt(score.MitigationRequired), score.AssessedAt)
	return err
}
