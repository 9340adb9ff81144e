package governance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/grants"
	"github.com/wardenhq/warden/pkg/override"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/quota"
	"github.com/wardenhq/warden/pkg/risk"
)

const overrideReason = "production incident INC-7: governance blocks the only rollback path and the on-call reviewer has signed off on a one-shot bypass"

type memorySink struct {
	evaluations []contracts.PolicyEvaluation
	assessments []contracts.RiskScore
}

func (s *memorySink) RecordPolicyEvaluation(_ context.Context, eval contracts.PolicyEvaluation) error {
	s.evaluations = append(s.evaluations, eval)
	return nil
}

func (s *memorySink) RecordRiskAssessment(_ context.Context, _, _ string, score contracts.RiskScore) error {
	s.assessments = append(s.assessments, score)
	return nil
}

type fixture struct {
	engine    *Engine
	registry  *grants.MemoryRegistry
	policies  *policy.Registry
	overrides *override.Manager
	sink      *memorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return time.UnixMilli(1756600000000) }

	registry := grants.NewMemoryRegistry()
	policies, err := policy.NewRegistry(policy.NewMemoryStore(), nil)
	require.NoError(t, err)
	policies = policies.WithClock(clock)

	overrides := override.NewManager(override.NewMemoryStore(), nil, nil).WithClock(clock)
	quotas := quota.NewManager(quota.NewMemoryStore(), map[string]quota.Limit{
		"api_calls": {Max: 100, ResetInterval: time.Hour},
	}).WithClock(clock)
	riskCalc := risk.NewCalculator(registry, risk.DefaultFailureRate).WithClock(clock)
	sink := &memorySink{}

	engine := NewEngine(policies, riskCalc, quotas, overrides, registry, sink, nil).WithClock(clock)
	return &fixture{engine: engine, registry: registry, policies: policies, overrides: overrides, sink: sink}
}

func grantWithDef(t *testing.T, f *fixture, agentID, capabilityID string, level contracts.RiskLevel) {
	t.Helper()
	f.registry.DefineCapability(contracts.CapabilityDefinition{
		CapabilityID: capabilityID,
		RiskLevel:    level,
	})
	require.NoError(t, f.registry.GrantCapability(context.Background(), grants.Grant{
		AgentID:      agentID,
		CapabilityID: capabilityID,
		GrantedBy:    "test",
		GrantedAt:    1756600000000,
	}))
}

func TestCheckPermission_NoGrant(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.CheckPermission(context.Background(), "user:alice", "state.read", nil)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "no grant")
	assert.NotEmpty(t, result.DecisionHash)
}

func TestCheckPermission_Allowed(t *testing.T) {
	f := newFixture(t)
	grantWithDef(t, f, "user:alice", "state.read", contracts.RiskLow)

	result, err := f.engine.CheckPermission(context.Background(), "user:alice", "state.read", nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.NotNil(t, result.RiskScore)
	assert.Equal(t, contracts.RiskLow, result.RiskScore.Level)

	// Risk assessment persisted regardless of outcome.
	require.Len(t, f.sink.assessments, 1)
}

func TestCheckPermission_PolicyDeny(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	grantWithDef(t, f, "user:alice", "action.execute.deploy", contracts.RiskLow)

	require.NoError(t, f.policies.RegisterPolicy(ctx, contracts.Policy{
		PolicyID: "deploy-freeze",
		Version:  "1.0.0",
		Domain:   "action",
		Rules: []contracts.PolicyRule{{
			RuleID:        "r1",
			Condition:     "action.execute.*",
			ConditionType: contracts.ConditionPattern,
			Action:        contracts.PolicyDeny,
			Rationale:     "change freeze in effect",
			Priority:      10,
		}},
	}, "user:admin"))

	result, err := f.engine.CheckPermission(ctx, "user:alice", "action.execute.deploy", nil)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.Len(t, result.PolicyViolations, 1)
	assert.Contains(t, result.PolicyViolations[0], "change freeze in effect")
	require.Len(t, f.sink.evaluations, 1)
}

func TestCheckPermission_TierGateOnHighRisk(t *testing.T) {
	f := newFixture(t)
	// "low_agent" classifies as read-only; a destructive high-risk
	// capability scores HIGH and needs trusted.
	grantWithDef(t, f, "low_agent", "action.execute.wipe", contracts.RiskHigh)
	f.registry.DefineCapability(contracts.CapabilityDefinition{
		CapabilityID:        "action.execute.wipe",
		RiskLevel:           contracts.RiskHigh,
		ProducesSideEffects: []string{"state_delete", "destroy_backup", "external_call"},
	})

	result, err := f.engine.CheckPermission(context.Background(), "low_agent", "action.execute.wipe", nil)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "requires tier")
}

func TestCheckPermission_CriticalNeedsOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	grantWithDef(t, f, "rogue", "action.rollback", contracts.RiskCritical)
	f.registry.DefineCapability(contracts.CapabilityDefinition{
		CapabilityID:        "action.rollback",
		RiskLevel:           contracts.RiskCritical,
		ProducesSideEffects: []string{"state_delete", "destroy_backup"},
		CostModel:           map[string]float64{"tokens_per_call": 100000},
	})

	result, err := f.engine.CheckPermission(ctx, "rogue", "action.rollback", nil)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "emergency override")

	// An invalid token id does not clear the gate.
	result, err = f.engine.CheckPermission(ctx, "rogue", "action.rollback",
		map[string]any{ContextKeyOverride: "ovr_bogus"})
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A real token clears it exactly once.
	require.True(t, len(overrideReason) >= contracts.OverrideReasonMinLen)
	token, err := f.engine.CreateOverride(ctx, "user:alice", "action.rollback", overrideReason, 2)
	require.NoError(t, err)

	reqCtx := map[string]any{ContextKeyOverride: token.OverrideID}
	result, err = f.engine.CheckPermission(ctx, "rogue", "action.rollback", reqCtx)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = f.engine.CheckPermission(ctx, "rogue", "action.rollback", reqCtx)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "invalid, used, or expired")
}

func TestCheckPermission_CriticalTierGateBeforeOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	grantWithDef(t, f, "rogue", "action.rollback", contracts.RiskCritical)
	f.registry.DefineCapability(contracts.CapabilityDefinition{
		CapabilityID:        "action.rollback",
		RiskLevel:           contracts.RiskCritical,
		ProducesSideEffects: []string{"state_delete", "destroy_backup"},
		CostModel:           map[string]float64{"tokens_per_call": 100000},
	})

	token, err := f.engine.CreateOverride(ctx, "user:alice", "action.rollback", overrideReason, 2)
	require.NoError(t, err)
	reqCtx := map[string]any{ContextKeyOverride: token.OverrideID}

	// An authoritative tier below the requirement denies without
	// spending the token.
	result, err := f.engine.CheckPermission(WithAgentTier(ctx, contracts.TierReadOnly),
		"rogue", "action.rollback", reqCtx)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "requires tier")

	// The token is still live and clears the gate for a sufficient tier.
	result, err = f.engine.CheckPermission(WithAgentTier(ctx, contracts.TierTrusted),
		"rogue", "action.rollback", reqCtx)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestQuotaDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, err := f.engine.IncrementQuotaUsage(ctx, "agent-1", "api_calls", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), status.CurrentUsage)

	status, err = f.engine.CheckQuota(ctx, "agent-1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(30), status.CurrentUsage)
	assert.False(t, status.Exceeded)
}

func TestClassifyAgentID(t *testing.T) {
	cases := []struct {
		agentID string
		want    contracts.AgentTier
	}{
		{"user:alice", contracts.TierTrusted},
		{"system", contracts.TierTrusted},
		{"deploy_admin", contracts.TierPropose},
		{"builder_agent", contracts.TierReadOnly},
		{"test_runner", contracts.TierReadOnly},
		{"anything-else", contracts.TierUntrusted},
		{"", contracts.TierUntrusted},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyAgentID(tc.agentID), tc.agentID)
	}
}

func TestDecisionHash_Deterministic(t *testing.T) {
	f := newFixture(t)
	grantWithDef(t, f, "user:alice", "state.read", contracts.RiskLow)

	a, err := f.engine.CheckPermission(context.Background(), "user:alice", "state.read", nil)
	require.NoError(t, err)
	b, err := f.engine.CheckPermission(context.Background(), "user:alice", "state.read", nil)
	require.NoError(t, err)
	assert.Equal(t, a.DecisionHash, b.DecisionHash)
	assert.True(t, strings.HasPrefix(a.DecisionHash, "sha256:"))
}
