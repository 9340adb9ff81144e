package contracts

// AuthorizationResult is the immutable outcome of a single Authorize call.
// It is produced once, never mutated, and forms the audit record.
type AuthorizationResult struct {
	Allowed             bool           `json:"allowed"`
	Reason              string         `json:"reason"`
	RequiresApproval    bool           `json:"requires_approval"`
	EscalationRequestID string         `json:"escalation_request_id,omitempty"`
	RiskScore           *RiskScore     `json:"risk_score,omitempty"`
	PolicyViolations    []string       `json:"policy_violations,omitempty"`
	CheckedAt           int64          `json:"checked_at"` // epoch ms
	Context             map[string]any `json:"context,omitempty"`
	DecisionHash        string         `json:"decision_hash,omitempty"`
}

// PermissionResult is the outcome of a governance CheckPermission call.
type PermissionResult struct {
	Allowed          bool       `json:"allowed"`
	Reason           string     `json:"reason"`
	PolicyViolations []string   `json:"policy_violations,omitempty"`
	RiskScore        *RiskScore `json:"risk_score,omitempty"`
	EvaluatedAt      int64      `json:"evaluated_at"` // epoch ms
	DecisionHash     string     `json:"decision_hash,omitempty"`
}
