// Package risk implements the weighted risk calculator. Calculation is a
// pure function of its inputs: the same capability, tier, and context
// always produce the same score.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/contracts"
)

// Default factor weights. They sum to 1.0 so the combined score stays in
// [0,1] even before the final clamp.
const (
	WeightInherentRisk = 0.30
	WeightAgentTrust   = 0.25
	WeightSideEffects  = 0.20
	WeightFailureRate  = 0.15
	WeightCost         = 0.10
)

// Classification thresholds.
const (
	thresholdMedium   = 0.30
	thresholdHigh     = 0.60
	thresholdCritical = 0.85
)

// unknownCapabilityRisk is the inherent-risk value assigned to
// capabilities the registry does not know. Unknown is dangerous,
// not neutral.
const unknownCapabilityRisk = 0.8

// tokenCostCeiling normalizes the estimated-cost factor: an operation
// estimated at this many tokens or more saturates the factor at 1.0.
const tokenCostCeiling = 100_000

// CapabilityResolver is the slice of the Grant Registry the calculator
// consumes.
type CapabilityResolver interface {
	GetCapability(ctx context.Context, capabilityID string) (*contracts.CapabilityDefinition, error)
}

// FailureRateSource supplies the historical failure rate factor in [0,1].
// The precise semantics are deliberately pluggable; the default source
// returns a constant baseline.
type FailureRateSource interface {
	FailureRate(ctx context.Context, agentID, capabilityID string) float64
}

// ConstantFailureRate is the default FailureRateSource.
type ConstantFailureRate float64

func (c ConstantFailureRate) FailureRate(context.Context, string, string) float64 {
	return float64(c)
}

// DefaultFailureRate is the baseline used when no source is configured.
const DefaultFailureRate = ConstantFailureRate(0.1)

// Input carries the per-request facts the calculator scores against.
type Input struct {
	AgentID string
	Tier    contracts.AgentTier
	Context map[string]any
}

// Calculator scores operations. It holds no mutable state and is safe
// for concurrent use.
type Calculator struct {
	resolver CapabilityResolver
	failures FailureRateSource
	weights  config.RiskConfig
	clock    func() time.Time
}

// NewCalculator creates a calculator. resolver may be nil, in which case
// every capability scores as unknown; failures may be nil for the
// constant baseline.
func NewCalculator(resolver CapabilityResolver, failures FailureRateSource) *Calculator {
	if failures == nil {
		failures = DefaultFailureRate
	}
	return &Calculator{
		resolver: resolver,
		failures: failures,
		weights: config.RiskConfig{
			InherentWeight:    WeightInherentRisk,
			TrustWeight:       WeightAgentTrust,
			SideEffectWeight:  WeightSideEffects,
			FailureRateWeight: WeightFailureRate,
			CostWeight:        WeightCost,
		},
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Calculator) WithClock(clock func() time.Time) *Calculator {
	c.clock = clock
	return c
}

// WithWeights replaces the factor weights, typically with a validated
// config.Config's Risk section.
func (c *Calculator) WithWeights(w config.RiskConfig) *Calculator {
	c.weights = w
	return c
}

// Calculate scores an operation. Each factor value is independently
// clamped to [0,1], weighted, summed, and the total clamped again.
func (c *Calculator) Calculate(ctx context.Context, capabilityID string, in Input) *contracts.RiskScore {
	var def *contracts.CapabilityDefinition
	if c.resolver != nil {
		def, _ = c.resolver.GetCapability(ctx, capabilityID)
	}

	factors := []contracts.RiskFactor{
		c.inherentRiskFactor(capabilityID, def),
		c.agentTrustFactor(in.Tier),
		c.sideEffectFactor(def),
		c.failureRateFactor(ctx, in.AgentID, capabilityID),
		c.costFactor(def, in.Context),
	}

	total := 0.0
	for i := range factors {
		factors[i].Value = clamp01(factors[i].Value)
		factors[i].Contribution = factors[i].Weight * factors[i].Value
		total += factors[i].Contribution
	}
	total = clamp01(total)

	level := Classify(total)
	score := &contracts.RiskScore{
		Score:              total,
		Level:              level,
		Factors:            factors,
		MitigationRequired: mitigationRequired(total, level),
		AssessedAt:         c.clock().UnixMilli(),
	}
	score.RecommendedActions = recommend(score)
	return score
}

// Classify maps a score onto a risk level.
func Classify(score float64) contracts.RiskLevel {
	switch {
	case score < thresholdMedium:
		return contracts.RiskLow
	case score < thresholdHigh:
		return contracts.RiskMedium
	case score < thresholdCritical:
		return contracts.RiskHigh
	default:
		return contracts.RiskCritical
	}
}

func mitigationRequired(score float64, level contracts.RiskLevel) bool {
	switch level {
	case contracts.RiskHigh, contracts.RiskCritical:
		return true
	case contracts.RiskMedium:
		return score > 0.5
	default:
		return false
	}
}

// RequiredTier maps a risk level to the minimum tier an agent must hold
// to proceed without mitigation. CRITICAL operations need TierTrusted
// plus an emergency override.
func RequiredTier(level contracts.RiskLevel) contracts.AgentTier {
	switch level {
	case contracts.RiskLow:
		return contracts.TierReadOnly
	case contracts.RiskMedium:
		return contracts.TierPropose
	default:
		return contracts.TierTrusted
	}
}

// ErrOverrideRequired marks operations that no tier alone can clear.
var ErrOverrideRequired = errors.New("critical risk requires an emergency override")

func (c *Calculator) inherentRiskFactor(capabilityID string, def *contracts.CapabilityDefinition) contracts.RiskFactor {
	if def == nil {
		return contracts.RiskFactor{
			FactorName:  "capability_inherent_risk",
			Weight:      c.weights.InherentWeight,
			Value:       unknownCapabilityRisk,
			Explanation: fmt.Sprintf("capability %q is unknown to the registry; treated as high risk", capabilityID),
		}
	}

	var value float64
	switch def.RiskLevel {
	case contracts.RiskLow:
		value = 0.2
	case contracts.RiskMedium:
		value = 0.5
	case contracts.RiskHigh:
		value = 0.8
	default:
		value = 1.0
	}
	return contracts.RiskFactor{
		FactorName:  "capability_inherent_risk",
		Weight:      c.weights.InherentWeight,
		Value:       value,
		Explanation: fmt.Sprintf("declared risk level %s", def.RiskLevel),
	}
}

func (c *Calculator) agentTrustFactor(tier contracts.AgentTier) contracts.RiskFactor {
	if !tier.Valid() {
		tier = contracts.TierUntrusted
	}
	value := float64(contracts.TierTrusted-tier) / float64(contracts.TierTrusted)
	return contracts.RiskFactor{
		FactorName:  "agent_trust_tier",
		Weight:      c.weights.TrustWeight,
		Value:       value,
		Explanation: fmt.Sprintf("agent at tier %s", tier),
	}
}

func (c *Calculator) sideEffectFactor(def *contracts.CapabilityDefinition) contracts.RiskFactor {
	if def == nil || len(def.ProducesSideEffects) == 0 {
		return contracts.RiskFactor{
			FactorName:  "side_effects",
			Weight:      c.weights.SideEffectWeight,
			Value:       0,
			Explanation: "no declared side effects",
		}
	}

	value := 0.0
	for _, effect := range def.ProducesSideEffects {
		value += sideEffectSeverity(effect)
	}
	return contracts.RiskFactor{
		FactorName:  "side_effects",
		Weight:      c.weights.SideEffectWeight,
		Value:       value,
		Explanation: fmt.Sprintf("%d declared side effects", len(def.ProducesSideEffects)),
	}
}

func sideEffectSeverity(effect string) float64 {
	lower := strings.ToLower(effect)
	switch {
	case strings.Contains(lower, "delete"), strings.Contains(lower, "destroy"):
		return 0.5
	case strings.Contains(lower, "external"), strings.Contains(lower, "network"):
		return 0.4
	default:
		return 0.25
	}
}

func (c *Calculator) failureRateFactor(ctx context.Context, agentID, capabilityID string) contracts.RiskFactor {
	rate := c.failures.FailureRate(ctx, agentID, capabilityID)
	return contracts.RiskFactor{
		FactorName:  "historical_failure_rate",
		Weight:      c.weights.FailureRateWeight,
		Value:       rate,
		Explanation: "historical failure rate for this agent and capability",
	}
}

func (c *Calculator) costFactor(def *contracts.CapabilityDefinition, reqCtx map[string]any) contracts.RiskFactor {
	tokens := 0.0
	if reqCtx != nil {
		tokens = asFloat(reqCtx["estimated_tokens"])
	}
	if tokens == 0 && def != nil {
		tokens = def.CostModel["tokens_per_call"]
	}
	return contracts.RiskFactor{
		FactorName:  "estimated_cost",
		Weight:      c.weights.CostWeight,
		Value:       tokens / tokenCostCeiling,
		Explanation: fmt.Sprintf("estimated %.0f tokens", tokens),
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recommend produces human-facing guidance. Recommendations never feed
// back into the numeric decision.
func recommend(score *contracts.RiskScore) []string {
	var actions []string
	switch score.Level {
	case contracts.RiskCritical:
		actions = append(actions,
			"require an emergency override before proceeding",
			"notify the on-call security reviewer")
	case contracts.RiskHigh:
		actions = append(actions, "require a trusted-tier agent or human approval")
	case contracts.RiskMedium:
		actions = append(actions, "proceed with audit logging enabled")
	default:
		actions = append(actions, "no mitigation needed")
	}

	dominant := dominantFactor(score.Factors)
	switch dominant {
	case "agent_trust_tier":
		actions = append(actions, "consider a tier upgrade review for this agent")
	case "side_effects":
		actions = append(actions, "verify declared side effects match the execution plan")
	case "historical_failure_rate":
		actions = append(actions, "review recent failures for this capability")
	case "estimated_cost":
		actions = append(actions, "confirm the token budget for this operation")
	}
	return actions
}

func dominantFactor(factors []contracts.RiskFactor) string {
	name := ""
	best := 0.0
	for _, f := range factors {
		if f.Contribution > best {
			best = f.Contribution
			name = f.FactorName
		}
	}
	return name
}
