// Package authz implements the capability authorizer: the top-level
// entry point between an agent's intent and any privileged effect.
//
// Authorize runs five ordered, short-circuiting stages — profile, grant,
// governance policy, risk, allow — each producing an explanatory deny
// and a synchronous audit write on failure.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/escalation"
	"github.com/wardenhq/warden/pkg/governance"
	"github.com/wardenhq/warden/pkg/grants"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/profile"
	"github.com/wardenhq/warden/pkg/risk"
)

// TemporaryGrantDuration is how long an escalation-policy temporary
// grant lasts.
const TemporaryGrantDuration = 24 * time.Hour

// Invocation is the audit row written for every decision.
type Invocation struct {
	InvocationID        string              `json:"invocation_id"`
	AgentID             string              `json:"agent_id"`
	Capability          string              `json:"capability"`
	Allowed             bool                `json:"allowed"`
	Reason              string              `json:"reason"`
	Stage               string              `json:"stage"`
	RiskLevel           contracts.RiskLevel `json:"risk_level,omitempty"`
	EscalationRequestID string              `json:"escalation_request_id,omitempty"`
	CreatedAt           int64               `json:"created_at"` // epoch ms
}

// InvocationStore persists invocation audit rows synchronously with the
// decision.
type InvocationStore interface {
	Record(ctx context.Context, inv Invocation) error
}

// Authorizer composes profiles, grants, governance, risk, and
// escalation into the five-stage decision.
type Authorizer struct {
	profiles    *profile.Service
	registry    grants.Registry
	engine      *governance.Engine
	escalations *escalation.Engine
	riskCalc    *risk.Calculator
	invocations InvocationStore
	auditLog    *audit.Log
	metrics     *observability.Metrics
	logger      *slog.Logger
	clock       func() time.Time
}

// NewAuthorizer composes an authorizer. invocations, auditLog, and
// metrics may be nil.
func NewAuthorizer(profiles *profile.Service, registry grants.Registry, engine *governance.Engine, escalations *escalation.Engine, riskCalc *risk.Calculator, invocations InvocationStore, auditLog *audit.Log, metrics *observability.Metrics, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		profiles:    profiles,
		registry:    registry,
		engine:      engine,
		escalations: escalations,
		riskCalc:    riskCalc,
		invocations: invocations,
		auditLog:    auditLog,
		metrics:     metrics,
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authorizer) WithClock(clock func() time.Time) *Authorizer {
	a.clock = clock
	return a
}

// Authorize decides whether agentID may invoke capabilityID. The result
// is immutable and fully populated for direct audit logging; denials are
// results, not errors.
func (a *Authorizer) Authorize(ctx context.Context, agentID, capabilityID string, reqCtx map[string]any) (*contracts.AuthorizationResult, error) {
	start := time.Now()
	result, err := a.authorize(ctx, agentID, capabilityID, reqCtx)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	a.metrics.RecordCheck(ctx, result.Allowed, elapsed)
	return result, nil
}

func (a *Authorizer) authorize(ctx context.Context, agentID, capabilityID string, reqCtx map[string]any) (*contracts.AuthorizationResult, error) {
	now := a.clock().UnixMilli()

	// Stage 1: profile.
	p, err := a.profiles.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			return a.deny(ctx, agentID, capabilityID, "profile", reqCtx, now,
				"agent has no capability profile: untrusted, default deny", nil, "")
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if !a.profiles.CanUse(p, capabilityID) {
		return a.deny(ctx, agentID, capabilityID, "profile", reqCtx, now,
			fmt.Sprintf("capability %s is not permitted by the agent profile", capabilityID), nil, "")
	}

	// Stage 2: grant, with escalation-policy routing on absence.
	granted, err := a.registry.HasCapability(ctx, agentID, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("grant lookup: %w", err)
	}
	if !granted {
		nextCtx, result, proceed, err := a.handleUngranted(ctx, p, capabilityID, reqCtx, now)
		if err != nil {
			return nil, err
		}
		if !proceed {
			return result, nil
		}
		ctx = nextCtx
	}

	// Stage 3: governance policy. The authoritative tier rides along so
	// a CRITICAL check below the tier requirement denies without
	// consuming a single-use override token.
	perm, err := a.engine.CheckPermission(governance.WithAgentTier(ctx, p.Tier), agentID, capabilityID, reqCtx)
	if err != nil {
		return nil, fmt.Errorf("governance check: %w", err)
	}
	if !perm.Allowed {
		return a.deny(ctx, agentID, capabilityID, "governance", reqCtx, now,
			perm.Reason, perm.PolicyViolations, riskLevelOf(perm.RiskScore))
	}

	// Stage 4: risk against the authoritative profile tier. The
	// governance stage already enforced the override requirement for
	// CRITICAL operations; here the agent's real tier gates the rest.
	score := a.riskCalc.Calculate(ctx, capabilityID, risk.Input{
		AgentID: agentID,
		Tier:    p.Tier,
		Context: reqCtx,
	})
	if score.MitigationRequired && p.Tier < risk.RequiredTier(score.Level) {
		result, err := a.deny(ctx, agentID, capabilityID, "risk", reqCtx, now,
			fmt.Sprintf("risk level %s requires tier %s, agent is %s",
				score.Level, risk.RequiredTier(score.Level), p.Tier), nil, score.Level)
		if result != nil {
			result.RiskScore = score
		}
		return result, err
	}

	// Stage 5: allow.
	result := &contracts.AuthorizationResult{
		Allowed:   true,
		Reason:    fmt.Sprintf("permitted at risk level %s, tier %s", score.Level, p.Tier),
		RiskScore: score,
		CheckedAt: now,
		Context:   reqCtx,
	}
	if err := a.seal(result); err != nil {
		return nil, err
	}
	if err := a.record(ctx, Invocation{
		InvocationID: uuid.New().String(),
		AgentID:      agentID,
		Capability:   capabilityID,
		Allowed:      true,
		Reason:       result.Reason,
		Stage:        "allow",
		RiskLevel:    score.Level,
		CreatedAt:    now,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// handleUngranted routes an absent grant through the profile's
// escalation policy. proceed=true means the pipeline continues to the
// governance stage (temporary grant and log-only policies); the returned
// context carries the grant-waiver marker when no grant was issued.
func (a *Authorizer) handleUngranted(ctx context.Context, p *contracts.AgentProfile, capabilityID string, reqCtx map[string]any, now int64) (context.Context, *contracts.AuthorizationResult, bool, error) {
	switch contracts.ParseEscalationPolicy(string(p.EscalationPolicy)) {
	case contracts.EscalationPolicyRequestApproval:
		request, err := a.escalations.CreateRequest(ctx, p.AgentID, capabilityID,
			fmt.Sprintf("runtime escalation: agent %s requested %s without a grant", p.AgentID, capabilityID), reqCtx)
		if err != nil {
			return ctx, nil, false, fmt.Errorf("create escalation request: %w", err)
		}
		result := &contracts.AuthorizationResult{
			Allowed:             false,
			Reason:              fmt.Sprintf("capability %s not granted; escalation request created", capabilityID),
			RequiresApproval:    true,
			EscalationRequestID: request.RequestID,
			CheckedAt:           now,
			Context:             reqCtx,
		}
		if err := a.seal(result); err != nil {
			return ctx, nil, false, err
		}
		if err := a.record(ctx, Invocation{
			InvocationID:        uuid.New().String(),
			AgentID:             p.AgentID,
			Capability:          capabilityID,
			Allowed:             false,
			Reason:              result.Reason,
			Stage:               "grant",
			EscalationRequestID: request.RequestID,
			CreatedAt:           now,
		}); err != nil {
			return ctx, nil, false, err
		}
		return ctx, result, false, nil

	case contracts.EscalationPolicyTemporaryGrant:
		err := a.registry.GrantCapability(ctx, grants.Grant{
			AgentID:      p.AgentID,
			CapabilityID: capabilityID,
			GrantedBy:    "escalation_policy:temporary_grant",
			ExpiresAt:    a.clock().Add(TemporaryGrantDuration).UnixMilli(),
			Reason:       "temporary grant via profile escalation policy",
			GrantedAt:    now,
		})
		if err != nil {
			return ctx, nil, false, fmt.Errorf("issue temporary grant: %w", err)
		}
		a.logger.Warn("temporary grant issued via escalation policy",
			"agent_id", p.AgentID, "capability", capabilityID, "duration", TemporaryGrantDuration)
		return ctx, nil, true, nil

	case contracts.EscalationPolicyLogOnly:
		a.logger.Warn("ungranted capability allowed by log-only escalation policy",
			"agent_id", p.AgentID, "capability", capabilityID)
		if a.auditLog != nil {
			_, _ = a.auditLog.Append(audit.EntrySecurityEvent, p.AgentID, "ungranted_capability_log_only",
				map[string]string{"capability": capabilityID}, nil)
		}
		return governance.WithGrantWaived(ctx), nil, true, nil

	case contracts.EscalationPolicyDeny:
		result, err := a.deny(ctx, p.AgentID, capabilityID, "grant", reqCtx, now,
			fmt.Sprintf("capability %s not granted (escalation policy=deny)", capabilityID), nil, "")
		return ctx, result, false, err

	default:
		// Unknown policy values fail safe to deny.
		result, err := a.deny(ctx, p.AgentID, capabilityID, "grant", reqCtx, now,
			fmt.Sprintf("capability %s not granted and escalation policy %q is unrecognized: failing safe to deny",
				capabilityID, p.EscalationPolicy), nil, "")
		return ctx, result, false, err
	}
}

func (a *Authorizer) deny(ctx context.Context, agentID, capabilityID, stage string, reqCtx map[string]any, now int64, reason string, violations []string, level contracts.RiskLevel) (*contracts.AuthorizationResult, error) {
	result := &contracts.AuthorizationResult{
		Allowed:          false,
		Reason:           reason,
		PolicyViolations: violations,
		CheckedAt:        now,
		Context:          reqCtx,
	}
	if err := a.seal(result); err != nil {
		return nil, err
	}
	if err := a.record(ctx, Invocation{
		InvocationID: uuid.New().String(),
		AgentID:      agentID,
		Capability:   capabilityID,
		Allowed:      false,
		Reason:       reason,
		Stage:        stage,
		RiskLevel:    level,
		CreatedAt:    now,
	}); err != nil {
		return nil, err
	}
	a.logger.Info("authorization denied",
		"agent_id", agentID, "capability", capabilityID, "stage", stage, "reason", reason)
	return result, nil
}

// record persists an invocation row and mirrors it into the hash-chained
// audit log. Audit writes are synchronous with the decision.
func (a *Authorizer) record(ctx context.Context, inv Invocation) error {
	if a.invocations != nil {
		if err := a.invocations.Record(ctx, inv); err != nil {
			return fmt.Errorf("record invocation: %w", err)
		}
	}
	if a.auditLog != nil {
		if _, err := a.auditLog.Append(audit.EntryDecision, inv.AgentID, inv.Capability, inv, nil); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	return nil
}

func (a *Authorizer) seal(result *contracts.AuthorizationResult) error {
	hash, err := audit.HashCanonical(struct {
		Allowed          bool     `json:"allowed"`
		Reason           string   `json:"reason"`
		RequiresApproval bool     `json:"requires_approval"`
		Violations       []string `json:"violations,omitempty"`
	}{result.Allowed, result.Reason, result.RequiresApproval, result.PolicyViolations})
	if err != nil {
		return fmt.Errorf("decision hash: %w", err)
	}
	result.DecisionHash = hash
	return nil
}

func riskLevelOf(score *contracts.RiskScore) contracts.RiskLevel {
	if score == nil {
		return ""
	}
	return score.Level
}
