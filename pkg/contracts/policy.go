package contracts

// PolicyAction is what a matched rule does to the decision.
type PolicyAction string

const (
	PolicyAllow           PolicyAction = "allow"
	PolicyDeny            PolicyAction = "deny"
	PolicyRequireApproval PolicyAction = "require_approval"
	PolicyAudit           PolicyAction = "audit"
	PolicyActionUnknown   PolicyAction = "unknown"
)

// ParsePolicyAction maps a stored string onto the closed enum.
// Unrecognized actions fail safe to PolicyActionUnknown, which evaluators
// treat as deny.
func ParsePolicyAction(s string) PolicyAction {
	switch PolicyAction(s) {
	case PolicyAllow, PolicyDeny, PolicyRequireApproval, PolicyAudit:
		return PolicyAction(s)
	default:
		return PolicyActionUnknown
	}
}

// ConditionType identifies how a rule condition is interpreted.
type ConditionType string

const (
	// ConditionAlways matches every context.
	ConditionAlways ConditionType = "always"
	// ConditionCEL evaluates the condition as a CEL expression over
	// agent_id, capability, and context.
	ConditionCEL ConditionType = "cel"
	// ConditionPattern glob-matches the condition against the capability id.
	ConditionPattern ConditionType = "pattern"
	// ConditionUnknown is the fail-safe variant for unrecognized types.
	ConditionUnknown ConditionType = "unknown"
)

// ParseConditionType maps a stored string onto the closed enum.
func ParseConditionType(s string) ConditionType {
	switch ConditionType(s) {
	case ConditionAlways, ConditionCEL, ConditionPattern:
		return ConditionType(s)
	default:
		return ConditionUnknown
	}
}

// PolicyRule is a single governance rule inside a policy version.
type PolicyRule struct {
	RuleID        string        `json:"rule_id,omitempty"`
	Condition     string        `json:"condition"`
	ConditionType ConditionType `json:"condition_type"`
	Action        PolicyAction  `json:"action"`
	Rationale     string        `json:"rationale,omitempty"`
	Priority      int           `json:"priority"` // higher evaluates first
}

// PolicyEvolutionRecord explains one versioned behavioral change.
type PolicyEvolutionRecord struct {
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version"`
	Reason      string `json:"reason"`
	ChangedBy   string `json:"changed_by"`
	ChangedAt   int64  `json:"changed_at"` // epoch ms
}

// Policy is one registered version of a rule-set. Exactly one version per
// policy id may be active at a time; evolving a policy atomically
// deactivates its predecessor.
type Policy struct {
	PolicyID         string                  `json:"policy_id"`
	Version          string                  `json:"version"` // semver
	Domain           string                  `json:"domain"`
	Rules            []PolicyRule            `json:"rules"`
	Active           bool                    `json:"active"`
	CreatedBy        string                  `json:"created_by,omitempty"`
	CreatedAt        int64                   `json:"created_at"` // epoch ms
	EvolutionHistory []PolicyEvolutionRecord `json:"evolution_history,omitempty"`
}

// PolicyEvaluation is the append-only record of one policy evaluation,
// persisted regardless of outcome to support audit and replay.
type PolicyEvaluation struct {
	EvaluationID string       `json:"evaluation_id"`
	PolicyID     string       `json:"policy_id"`
	Version      string       `json:"version"`
	AgentID      string       `json:"agent_id"`
	Capability   string       `json:"capability"`
	Action       PolicyAction `json:"action"`
	RuleID       string       `json:"rule_id,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	EvaluatedAt  int64        `json:"evaluated_at"` // epoch ms
}
