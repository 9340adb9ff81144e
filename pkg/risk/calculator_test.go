package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/contracts"
)

type staticResolver map[string]*contracts.CapabilityDefinition

func (r staticResolver) GetCapability(_ context.Context, capabilityID string) (*contracts.CapabilityDefinition, error) {
	if def, ok := r[capabilityID]; ok {
		return def, nil
	}
	return nil, nil
}

func testClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1756600000000) }
}

func TestCalculate_LowRiskTrustedAgent(t *testing.T) {
	resolver := staticResolver{
		"state.read": {CapabilityID: "state.read", RiskLevel: contracts.RiskLow},
	}
	calc := NewCalculator(resolver, ConstantFailureRate(0)).WithClock(testClock())

	score := calc.Calculate(context.Background(), "state.read", Input{
		AgentID: "agent-1",
		Tier:    contracts.TierTrusted,
	})

	// inherent 0.2*0.30 = 0.06, trust 0, effects 0, failures 0, cost 0
	assert.InDelta(t, 0.06, score.Score, 1e-9)
	assert.Equal(t, contracts.RiskLow, score.Level)
	assert.False(t, score.MitigationRequired)
	assert.Len(t, score.Factors, 5)
	assert.Equal(t, int64(1756600000000), score.AssessedAt)
}

func TestCalculate_UnknownCapabilityIsDangerous(t *testing.T) {
	calc := NewCalculator(staticResolver{}, ConstantFailureRate(0)).WithClock(testClock())

	score := calc.Calculate(context.Background(), "mystery.op", Input{
		AgentID: "agent-1",
		Tier:    contracts.TierUntrusted,
	})

	// inherent 0.8*0.30 = 0.24, trust 1.0*0.25 = 0.25
	assert.InDelta(t, 0.49, score.Score, 1e-9)
	assert.Equal(t, contracts.RiskMedium, score.Level)

	var inherent contracts.RiskFactor
	for _, f := range score.Factors {
		if f.FactorName == "capability_inherent_risk" {
			inherent = f
		}
	}
	assert.InDelta(t, 0.8, inherent.Value, 1e-9)
}

func TestCalculate_CriticalCapability(t *testing.T) {
	resolver := staticResolver{
		"action.rollback": {
			CapabilityID:        "action.rollback",
			RiskLevel:           contracts.RiskCritical,
			ProducesSideEffects: []string{"state_delete", "external_call"},
			CostModel:           map[string]float64{"tokens_per_call": 200000},
		},
	}
	calc := NewCalculator(resolver, ConstantFailureRate(1)).WithClock(testClock())

	score := calc.Calculate(context.Background(), "action.rollback", Input{
		AgentID: "agent-1",
		Tier:    contracts.TierUntrusted,
	})

	// inherent 1.0*0.30 + trust 1.0*0.25 + effects clamp(0.9)*0.20
	// + failures 1.0*0.15 + cost clamp(2.0)*0.10
	assert.InDelta(t, 0.30+0.25+0.18+0.15+0.10, score.Score, 1e-9)
	assert.Equal(t, contracts.RiskCritical, score.Level)
	assert.True(t, score.MitigationRequired)
	assert.Contains(t, score.RecommendedActions[0], "emergency override")
}

func TestCalculate_ContextTokensOverrideCostModel(t *testing.T) {
	resolver := staticResolver{
		"action.llm.call": {
			CapabilityID: "action.llm.call",
			RiskLevel:    contracts.RiskLow,
			CostModel:    map[string]float64{"tokens_per_call": 1000},
		},
	}
	calc := NewCalculator(resolver, ConstantFailureRate(0)).WithClock(testClock())

	score := calc.Calculate(context.Background(), "action.llm.call", Input{
		AgentID: "agent-1",
		Tier:    contracts.TierTrusted,
		Context: map[string]any{"estimated_tokens": 50000},
	})

	var cost contracts.RiskFactor
	for _, f := range score.Factors {
		if f.FactorName == "estimated_cost" {
			cost = f
		}
	}
	assert.InDelta(t, 0.5, cost.Value, 1e-9)
}

func TestClassifyThresholds(t *testing.T) {
	assert.Equal(t, contracts.RiskLow, Classify(0))
	assert.Equal(t, contracts.RiskLow, Classify(0.29))
	assert.Equal(t, contracts.RiskMedium, Classify(0.30))
	assert.Equal(t, contracts.RiskMedium, Classify(0.59))
	assert.Equal(t, contracts.RiskHigh, Classify(0.60))
	assert.Equal(t, contracts.RiskHigh, Classify(0.84))
	assert.Equal(t, contracts.RiskCritical, Classify(0.85))
	assert.Equal(t, contracts.RiskCritical, Classify(1))
}

func TestMitigationRequired_MediumAboveHalf(t *testing.T) {
	resolver := staticResolver{
		"decision.plan.create": {CapabilityID: "decision.plan.create", RiskLevel: contracts.RiskHigh},
	}
	calc := NewCalculator(resolver, ConstantFailureRate(0.5)).WithClock(testClock())

	// inherent 0.8*0.30 + trust (2/3)*0.25 + failures 0.5*0.15 = 0.24+0.1667+0.075
	score := calc.Calculate(context.Background(), "decision.plan.create", Input{
		AgentID: "agent-1",
		Tier:    contracts.TierReadOnly,
	})
	require.Equal(t, contracts.RiskMedium, score.Level)
	assert.False(t, score.MitigationRequired)
}

func TestRequiredTier(t *testing.T) {
	assert.Equal(t, contracts.TierReadOnly, RequiredTier(contracts.RiskLow))
	assert.Equal(t, contracts.TierPropose, RequiredTier(contracts.RiskMedium))
	assert.Equal(t, contracts.TierTrusted, RequiredTier(contracts.RiskHigh))
	assert.Equal(t, contracts.TierTrusted, RequiredTier(contracts.RiskCritical))
}

// Score stays in [0,1] and is monotonic in the failure-rate factor.
func TestCalculate_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	resolver := staticResolver{
		"action.execute": {
			CapabilityID:        "action.execute",
			RiskLevel:           contracts.RiskMedium,
			ProducesSideEffects: []string{"external_call"},
		},
	}

	properties.Property("score clamped to [0,1]", prop.ForAll(
		func(rate float64, tier int, tokens int) bool {
			calc := NewCalculator(resolver, ConstantFailureRate(rate)).WithClock(testClock())
			score := calc.Calculate(context.Background(), "action.execute", Input{
				AgentID: "agent-1",
				Tier:    contracts.AgentTier(tier),
				Context: map[string]any{"estimated_tokens": tokens},
			})
			return score.Score >= 0 && score.Score <= 1
		},
		gen.Float64Range(-5, 5), gen.IntRange(0, 3), gen.IntRange(0, 1_000_000),
	))

	properties.Property("monotonic in failure rate", prop.ForAll(
		func(lo, hi float64) bool {
			if lo > hi {
				lo, hi = hi, lo
			}
			in := Input{AgentID: "agent-1", Tier: contracts.TierPropose}
			low := NewCalculator(resolver, ConstantFailureRate(lo)).WithClock(testClock()).
				Calculate(context.Background(), "action.execute", in)
			high := NewCalculator(resolver, ConstantFailureRate(hi)).WithClock(testClock()).
				Calculate(context.Background(), "action.execute", in)
			return high.Score >= low.Score
		},
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.Property("lower tier never lowers score", prop.ForAll(
		func(tier int) bool {
			in := func(t contracts.AgentTier) Input {
				return Input{AgentID: "agent-1", Tier: t}
			}
			calc := NewCalculator(resolver, DefaultFailureRate).WithClock(testClock())
			cur := calc.Calculate(context.Background(), "action.execute", in(contracts.AgentTier(tier)))
			higher := calc.Calculate(context.Background(), "action.execute", in(contracts.AgentTier(tier+1)))
			return cur.Score >= higher.Score
		},
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func TestCalculate_WeightsFromLoadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk:
  inherent_weight: 1.0
  trust_weight: 0
  side_effect_weight: 0
  failure_rate_weight: 0
  cost_weight: 0
`), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	resolver := staticResolver{
		"state.read": {CapabilityID: "state.read", RiskLevel: contracts.RiskLow},
	}
	in := Input{AgentID: "agent-1", Tier: contracts.TierUntrusted}

	stock := NewCalculator(resolver, ConstantFailureRate(1)).WithClock(testClock()).
		Calculate(context.Background(), "state.read", in)
	// inherent 0.2*0.30 + trust 1.0*0.25 + failures 1.0*0.15
	require.InDelta(t, 0.46, stock.Score, 1e-9)

	// With everything on inherent risk, only the declared level counts.
	skewed := NewCalculator(resolver, ConstantFailureRate(1)).WithClock(testClock()).
		WithWeights(cfg.Risk).
		Calculate(context.Background(), "state.read", in)
	assert.InDelta(t, 0.2, skewed.Score, 1e-9)
	assert.Equal(t, contracts.RiskLow, skewed.Level)

	// The built-in defaults and config.Default() agree.
	viaDefault := NewCalculator(resolver, ConstantFailureRate(1)).WithClock(testClock()).
		WithWeights(config.Default().Risk).
		Calculate(context.Background(), "state.read", in)
	assert.Equal(t, stock.Score, viaDefault.Score)
}
