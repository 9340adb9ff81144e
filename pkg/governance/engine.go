// Package governance orchestrates policy evaluation, risk scoring,
// quota, and emergency overrides into one permission decision.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/grants"
	"github.com/wardenhq/warden/pkg/override"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/quota"
	"github.com/wardenhq/warden/pkg/risk"
)

// ContextKeyOverride is the request-context key carrying an override
// token id. A valid token clears the CRITICAL risk gate; validation
// consumes the token.
const ContextKeyOverride = "override_id"

// EvaluationSink persists every policy evaluation and risk assessment,
// append-only, regardless of outcome, to support later audit and replay.
type EvaluationSink interface {
	RecordPolicyEvaluation(ctx context.Context, eval contracts.PolicyEvaluation) error
	RecordRiskAssessment(ctx context.Context, agentID, capabilityID string, score contracts.RiskScore) error
}

// Engine is the governance decision engine.
type Engine struct {
	policies  *policy.Registry
	riskCalc  *risk.Calculator
	quotas    *quota.Manager
	overrides *override.Manager
	registry  grants.Registry
	sink      EvaluationSink
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine composes a governance engine. quotas, overrides, and sink
// may be nil; the corresponding checks are then skipped.
func NewEngine(policies *policy.Registry, riskCalc *risk.Calculator, quotas *quota.Manager, overrides *override.Manager, registry grants.Registry, sink EvaluationSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies:  policies,
		riskCalc:  riskCalc,
		quotas:    quotas,
		overrides: overrides,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

type grantCheckKey struct{}

// WithGrantWaived marks a context whose grant check was already disposed
// of upstream, as a log-only escalation policy does. CheckPermission then
// skips its own grant lookup. The marker travels on the context rather
// than the request map so callers of the public API cannot forge it.
func WithGrantWaived(ctx context.Context) context.Context {
	return context.WithValue(ctx, grantCheckKey{}, true)
}

func grantWaived(ctx context.Context) bool {
	waived, _ := ctx.Value(grantCheckKey{}).(bool)
	return waived
}

type agentTierKey struct{}

// WithAgentTier attaches the authoritative profile tier to the context.
// When present, the CRITICAL override gate checks it before consuming a
// token: a tier below the requirement denies with the single-use token
// left unconsumed. Scoring still uses the heuristic classifier.
func WithAgentTier(ctx context.Context, tier contracts.AgentTier) context.Context {
	return context.WithValue(ctx, agentTierKey{}, tier)
}

func agentTierFrom(ctx context.Context) (contracts.AgentTier, bool) {
	tier, ok := ctx.Value(agentTierKey{}).(contracts.AgentTier)
	return tier, ok
}

// CheckPermission evaluates policy, risk, and (for CRITICAL operations)
// override state for one capability invocation. Denials are first-class
// results, not errors; an error means the check itself could not run.
func (e *Engine) CheckPermission(ctx context.Context, agentID, capabilityID string, reqCtx map[string]any) (*contracts.PermissionResult, error) {
	now := e.clock().UnixMilli()

	// Heuristic tier floor for agents without authoritative history.
	tier := ClassifyAgentID(agentID)

	if !grantWaived(ctx) {
		granted, err := e.registry.HasCapability(ctx, agentID, capabilityID)
		if err != nil {
			return nil, fmt.Errorf("grant lookup: %w", err)
		}
		if !granted {
			return e.finish(&contracts.PermissionResult{
				Allowed:     false,
				Reason:      fmt.Sprintf("no grant for capability %s", capabilityID),
				EvaluatedAt: now,
			})
		}
	}

	outcome, err := e.policies.Evaluate(ctx, policy.Request{
		AgentID:    agentID,
		Capability: capabilityID,
		Context:    reqCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation: %w", err)
	}
	if e.sink != nil {
		for _, eval := range outcome.Evaluations {
			if err := e.sink.RecordPolicyEvaluation(ctx, eval); err != nil {
				return nil, fmt.Errorf("record policy evaluation: %w", err)
			}
		}
	}
	if outcome.Denied {
		return e.finish(&contracts.PermissionResult{
			Allowed:          false,
			Reason:           "denied by policy",
			PolicyViolations: outcome.Violations,
			EvaluatedAt:      now,
		})
	}

	score := e.riskCalc.Calculate(ctx, capabilityID, risk.Input{
		AgentID: agentID,
		Tier:    tier,
		Context: reqCtx,
	})
	if e.sink != nil {
		if err := e.sink.RecordRiskAssessment(ctx, agentID, capabilityID, *score); err != nil {
			return nil, fmt.Errorf("record risk assessment: %w", err)
		}
	}

	if score.MitigationRequired {
		allowed, reason, err := e.clearMitigation(ctx, agentID, capabilityID, tier, score, reqCtx)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return e.finish(&contracts.PermissionResult{
				Allowed:     false,
				Reason:      reason,
				RiskScore:   score,
				EvaluatedAt: now,
			})
		}
	}

	return e.finish(&contracts.PermissionResult{
		Allowed:     true,
		Reason:      fmt.Sprintf("permitted at risk level %s", score.Level),
		RiskScore:   score,
		EvaluatedAt: now,
	})
}

// clearMitigation decides whether a mitigation-required score still
// passes: sufficient heuristic tier clears HIGH and below, and a valid
// (consumed) override token clears CRITICAL. An authoritative tier on
// the context that is below the CRITICAL requirement denies before the
// token is consumed.
func (e *Engine) clearMitigation(ctx context.Context, agentID, capabilityID string, tier contracts.AgentTier, score *contracts.RiskScore, reqCtx map[string]any) (bool, string, error) {
	if score.Level == contracts.RiskCritical {
		if t, ok := agentTierFrom(ctx); ok && t < risk.RequiredTier(score.Level) {
			return false, fmt.Sprintf("risk level %s requires tier %s, agent is %s; override token not consumed",
				score.Level, risk.RequiredTier(score.Level), t), nil
		}
		overrideID, _ := reqCtx[ContextKeyOverride].(string)
		if overrideID == "" || e.overrides == nil {
			return false, fmt.Sprintf("risk level %s: %v", score.Level, risk.ErrOverrideRequired), nil
		}
		ok, err := e.overrides.ValidateOverride(ctx, overrideID)
		if err != nil {
			return false, "", fmt.Errorf("validate override: %w", err)
		}
		if !ok {
			return false, "emergency override token is invalid, used, or expired", nil
		}
		e.logger.Warn("critical operation permitted via emergency override",
			"agent_id", agentID, "capability", capabilityID, "override_id", overrideID)
		return true, "", nil
	}

	required := risk.RequiredTier(score.Level)
	if tier < required {
		return false, fmt.Sprintf("risk level %s requires tier %s, agent classified as %s",
			score.Level, required, tier), nil
	}
	return true, "", nil
}

// finish stamps the deterministic decision hash onto a result.
func (e *Engine) finish(result *contracts.PermissionResult) (*contracts.PermissionResult, error) {
	hash, err := audit.HashCanonical(struct {
		Allowed    bool     `json:"allowed"`
		Reason     string   `json:"reason"`
		Violations []string `json:"violations,omitempty"`
	}{result.Allowed, result.Reason, result.PolicyViolations})
	if err != nil {
		return nil, fmt.Errorf("decision hash: %w", err)
	}
	result.DecisionHash = hash
	return result, nil
}

// CheckQuota reports quota standing without consuming quota.
func (e *Engine) CheckQuota(ctx context.Context, agentID, resourceType string) (*contracts.QuotaStatus, error) {
	if e.quotas == nil {
		return nil, fmt.Errorf("quota manager not configured")
	}
	return e.quotas.CheckQuota(ctx, agentID, resourceType)
}

// IncrementQuotaUsage consumes quota via an atomic reset-then-increment.
func (e *Engine) IncrementQuotaUsage(ctx context.Context, agentID, resourceType string, amount int64) (*contracts.QuotaStatus, error) {
	if e.quotas == nil {
		return nil, fmt.Errorf("quota manager not configured")
	}
	return e.quotas.IncrementQuotaUsage(ctx, agentID, resourceType, amount)
}

// CreateOverride delegates emergency override creation.
func (e *Engine) CreateOverride(ctx context.Context, adminID, blockedOperation, reason string, durationHours int) (*contracts.OverrideToken, error) {
	if e.overrides == nil {
		return nil, fmt.Errorf("override manager not configured")
	}
	return e.overrides.CreateOverride(ctx, adminID, blockedOperation, reason, durationHours)
}

// ValidateOverride delegates single-use override validation.
func (e *Engine) ValidateOverride(ctx context.Context, overrideID string) (bool, error) {
	if e.overrides == nil {
		return false, fmt.Errorf("override manager not configured")
	}
	return e.overrides.ValidateOverride(ctx, overrideID)
}
