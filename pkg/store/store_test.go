package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/escalation"
	"github.com/wardenhq/warden/pkg/override"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/profile"
)

const testNow = int64(1756600000000)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTierStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteTierStore(openTestDB(t))
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "agent_x")
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.Append(ctx, contracts.TierTransition{
		AgentID: "agent_x", FromTier: contracts.TierUntrusted, ToTier: contracts.TierReadOnly,
		ChangedBy: "user:admin", Reason: "passed onboarding review", ChangedAt: testNow,
	}))
	require.NoError(t, s.Append(ctx, contracts.TierTransition{
		AgentID: "agent_x", FromTier: contracts.TierReadOnly, ToTier: contracts.TierPropose,
		ChangedBy: "user:admin", Reason: "thirty days of clean audit history", ChangedAt: testNow + 1,
	}))
	require.NoError(t, s.Append(ctx, contracts.TierTransition{
		AgentID: "agent_y", FromTier: contracts.TierUntrusted, ToTier: contracts.TierReadOnly,
		ChangedBy: "user:admin", Reason: "passed onboarding review", ChangedAt: testNow,
	}))

	latest, err = s.Latest(ctx, "agent_x")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, contracts.TierPropose, latest.ToTier)

	history, err := s.History(ctx, "agent_x")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, contracts.TierReadOnly, history[0].ToTier)
	assert.Equal(t, contracts.TierPropose, history[1].ToTier)
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteProfileStore(openTestDB(t))
	require.NoError(t, err)

	_, err = s.Get(ctx, "ghost")
	require.ErrorIs(t, err, profile.ErrProfileNotFound)

	p := contracts.AgentProfile{
		AgentID:               "agent_x",
		Tier:                  contracts.TierPropose,
		AllowedCapabilities:   []string{"state.*", "decision.*"},
		ForbiddenCapabilities: []string{"action.file.delete"},
		DefaultLevel:          contracts.RiskMedium,
		EscalationPolicy:      contracts.EscalationPolicyRequestApproval,
		AgentType:             "research",
		UpdatedAt:             testNow,
	}
	require.NoError(t, s.Put(ctx, p))

	got, err := s.Get(ctx, "agent_x")
	require.NoError(t, err)
	assert.Equal(t, &p, got)

	// Put is an upsert.
	p.Tier = contracts.TierTrusted
	p.EscalationPolicy = contracts.EscalationPolicyDeny
	require.NoError(t, s.Put(ctx, p))
	got, err = s.Get(ctx, "agent_x")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierTrusted, got.Tier)
	assert.Equal(t, contracts.EscalationPolicyDeny, got.EscalationPolicy)
}

func testPolicy(version string, active bool) contracts.Policy {
	return contracts.Policy{
		PolicyID: "deploy-gate",
		Version:  version,
		Domain:   "action",
		Rules: []contracts.PolicyRule{{
			RuleID:        "r1",
			Condition:     "action.execute.*",
			ConditionType: contracts.ConditionPattern,
			Action:        contracts.PolicyDeny,
			Rationale:     "deploys require review",
			Priority:      5,
		}},
		Active:    active,
		CreatedBy: "user:admin",
		CreatedAt: testNow,
	}
}

func TestPolicyStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLitePolicyStore(openTestDB(t))
	require.NoError(t, err)

	_, err = s.Get(ctx, "deploy-gate", "1.0.0")
	require.ErrorIs(t, err, policy.ErrPolicyNotFound)

	require.NoError(t, s.InsertAndActivate(ctx, testPolicy("1.0.0", true)))

	// (policy_id, version) is the primary key.
	require.Error(t, s.Insert(ctx, testPolicy("1.0.0", false)))

	got, err := s.Get(ctx, "deploy-gate", "1.0.0")
	require.NoError(t, err)
	assert.True(t, got.Active)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "deploys require review", got.Rules[0].Rationale)

	// Activating a successor deactivates the predecessor atomically.
	require.NoError(t, s.InsertAndActivate(ctx, testPolicy("1.0.1", true)))

	active, err := s.GetActive(ctx, "deploy-gate")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", active.Version)

	old, err := s.Get(ctx, "deploy-gate", "1.0.0")
	require.NoError(t, err)
	assert.False(t, old.Active)

	activeOnly, err := s.List(ctx, "action", true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	all, err := s.List(ctx, "action", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testToken(id string, expiresAt int64) contracts.OverrideToken {
	return contracts.OverrideToken{
		OverrideID:       id,
		AdminID:          "user:admin",
		BlockedOperation: "action.rollback",
		Reason:           "incident INC-9: the automated rollback is blocked by the deploy freeze and the on-call lead has approved a one-shot bypass",
		ExpiresAt:        expiresAt,
		CreatedAt:        testNow,
	}
}

func TestOverrideStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteOverrideStore(openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, s.Insert(ctx, testToken("ovr_1", testNow+3_600_000)))

	outcome, err := s.Consume(ctx, "ovr_1", testNow)
	require.NoError(t, err)
	assert.Equal(t, override.Consumed, outcome)

	got, err := s.Get(ctx, "ovr_1")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, testNow, got.UsedAt)

	outcome, err = s.Consume(ctx, "ovr_1", testNow+1)
	require.NoError(t, err)
	assert.Equal(t, override.ConsumeAlreadyUsed, outcome)
}

func TestOverrideStore_ConsumeExpiredAndMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteOverrideStore(openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, s.Insert(ctx, testToken("ovr_stale", testNow-1)))

	outcome, err := s.Consume(ctx, "ovr_stale", testNow)
	require.NoError(t, err)
	assert.Equal(t, override.ConsumeExpired, outcome)

	outcome, err = s.Consume(ctx, "ovr_missing", testNow)
	require.NoError(t, err)
	assert.Equal(t, override.ConsumeNotFound, outcome)
}

func TestOverrideStore_ConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteOverrideStore(openTestDB(t))
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, testToken("ovr_race", testNow+3_600_000)))

	var consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.Consume(ctx, "ovr_race", testNow)
			if err == nil && outcome == override.Consumed {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), consumed.Load())
}

func TestEscalationStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteEscalationStore(openTestDB(t))
	require.NoError(t, err)

	_, err = s.Get(ctx, "req_missing")
	require.ErrorIs(t, err, escalation.ErrRequestNotFound)

	r := contracts.EscalationRequest{
		RequestID:   "req_1",
		AgentID:     "agent_x",
		Capability:  "action.execute.deploy",
		Reason:      "deploy needed for the hotfix",
		Status:      contracts.EscalationPending,
		RequestedAt: testNow,
		Context:     map[string]any{"ticket": "OPS-42"},
	}
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, &r, got)

	r.Status = contracts.EscalationApproved
	r.ReviewedBy = "user:admin"
	r.ReviewedAt = testNow + 1000
	require.NoError(t, s.Update(ctx, r))

	got, err = s.Get(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationApproved, got.Status)
	assert.Equal(t, "user:admin", got.ReviewedBy)

	err = s.Update(ctx, contracts.EscalationRequest{RequestID: "req_missing"})
	require.ErrorIs(t, err, escalation.ErrRequestNotFound)
}

func TestEscalationStore_PendingBefore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteEscalationStore(openTestDB(t))
	require.NoError(t, err)

	insert := func(id string, status contracts.EscalationStatus, at int64) {
		require.NoError(t, s.Insert(ctx, contracts.EscalationRequest{
			RequestID: id, AgentID: "agent_x", Capability: "action.execute.deploy",
			Reason: "needs deploy access", Status: status, RequestedAt: at,
		}))
	}
	insert("req_old", contracts.EscalationPending, testNow-100)
	insert("req_new", contracts.EscalationPending, testNow+100)
	insert("req_done", contracts.EscalationApproved, testNow-100)

	stale, err := s.PendingBefore(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "req_old", stale[0].RequestID)
}

func TestQuotaStore_Apply(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteQuotaStore(openTestDB(t))
	require.NoError(t, err)

	usage, lastReset, err := s.Apply(ctx, "agent_x", "api_calls", 3, time.Hour, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
	assert.Equal(t, testNow, lastReset)

	usage, _, err = s.Apply(ctx, "agent_x", "api_calls", 2, time.Hour, testNow+1000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage)

	// Counters are per (agent, resource).
	usage, _, err = s.Apply(ctx, "agent_x", "tokens", 10, time.Hour, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage)

	// The interval elapsing resets before the increment.
	later := testNow + time.Hour.Milliseconds()
	usage, lastReset, err = s.Apply(ctx, "agent_x", "api_calls", 1, time.Hour, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage)
	assert.Equal(t, later, lastReset)
}

func TestInvocationStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteInvocationStore(openTestDB(t))
	require.NoError(t, err)

	rows := []authz.Invocation{
		{InvocationID: "inv_1", AgentID: "agent_x", Capability: "state.read",
			Allowed: true, Reason: "permitted", Stage: "allow", RiskLevel: contracts.RiskLow, CreatedAt: testNow},
		{InvocationID: "inv_2", AgentID: "agent_x", Capability: "action.execute.deploy",
			Allowed: false, Reason: "denied by policy", Stage: "governance", CreatedAt: testNow + 1000},
		{InvocationID: "inv_3", AgentID: "agent_y", Capability: "state.read",
			Allowed: true, Reason: "permitted", Stage: "allow", RiskLevel: contracts.RiskLow, CreatedAt: testNow},
	}
	for _, inv := range rows {
		require.NoError(t, s.Record(ctx, inv))
	}

	got, err := s.ListByAgent(ctx, "agent_x", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "inv_2", got[0].InvocationID)
	assert.Equal(t, rows[1], got[0])
	assert.Equal(t, rows[0], got[1])

	got, err = s.ListByAgent(ctx, "agent_x", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEvaluationStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := NewSQLiteEvaluationStore(db)
	require.NoError(t, err)

	require.NoError(t, s.RecordPolicyEvaluation(ctx, contracts.PolicyEvaluation{
		PolicyID: "deploy-gate", Version: "1.0.0", AgentID: "agent_x",
		Capability: "action.execute.deploy", Action: contracts.PolicyDeny,
		RuleID: "r1", Reason: "deploys require review", EvaluatedAt: testNow,
	}))
	require.NoError(t, s.RecordRiskAssessment(ctx, "agent_x", "action.execute.deploy", contracts.RiskScore{
		Score: 0.62, Level: contracts.RiskHigh,
		Factors:            []contracts.RiskFactor{{FactorName: "capability_inherent_risk", Weight: 0.30, Value: 0.8, Contribution: 0.24}},
		MitigationRequired: true, AssessedAt: testNow,
	}))

	var evaluations, assessments int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_evaluations`).Scan(&evaluations))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_assessments`).Scan(&assessments))
	assert.Equal(t, 1, evaluations)
	assert.Equal(t, 1, assessments)

	var generatedID string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT evaluation_id FROM policy_evaluations`).Scan(&generatedID))
	assert.NotEmpty(t, generatedID)
}
