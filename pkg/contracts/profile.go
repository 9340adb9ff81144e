package contracts

// EscalationDecision is the closed set of behaviors the authorizer applies
// when an agent requests a capability it holds no grant for.
//
// Free-form policy strings from stored profiles are parsed at the boundary
// via ParseEscalationPolicy; anything unrecognized maps to
// EscalationPolicyUnknown, which the authorizer treats as deny.
type EscalationDecision string

const (
	EscalationPolicyDeny            EscalationDecision = "deny"
	EscalationPolicyRequestApproval EscalationDecision = "request_approval"
	EscalationPolicyTemporaryGrant  EscalationDecision = "temporary_grant"
	EscalationPolicyLogOnly         EscalationDecision = "log_only"
	EscalationPolicyUnknown         EscalationDecision = "unknown"
)

// ParseEscalationPolicy maps a stored string onto the closed enum.
// Unrecognized values fail safe to EscalationPolicyUnknown.
func ParseEscalationPolicy(s string) EscalationDecision {
	switch EscalationDecision(s) {
	case EscalationPolicyDeny, EscalationPolicyRequestApproval,
		EscalationPolicyTemporaryGrant, EscalationPolicyLogOnly:
		return EscalationDecision(s)
	default:
		return EscalationPolicyUnknown
	}
}

// AgentProfile is the per-agent capability profile: what the agent may use,
// what it must never use, and how ungranted requests are handled.
//
// Forbidden patterns always win over allowed patterns.
type AgentProfile struct {
	AgentID               string             `json:"agent_id"`
	Tier                  AgentTier          `json:"tier"`
	AllowedCapabilities   []string           `json:"allowed_capabilities"`   // glob patterns
	ForbiddenCapabilities []string           `json:"forbidden_capabilities"` // glob patterns
	DefaultLevel          RiskLevel          `json:"default_level"`
	EscalationPolicy      EscalationDecision `json:"escalation_policy"`
	AgentType             string             `json:"agent_type"`
	UpdatedAt             int64              `json:"updated_at"` // epoch ms
}
