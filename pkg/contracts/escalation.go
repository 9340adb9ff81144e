package contracts

// EscalationStatus is the lifecycle state of an escalation request.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationApproved  EscalationStatus = "approved"
	EscalationDenied    EscalationStatus = "denied"
	EscalationExpired   EscalationStatus = "expired"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s EscalationStatus) Terminal() bool {
	return s != EscalationPending
}

// EscalationRequest is a runtime request by an agent for a capability it
// holds no grant for. Created pending; leaves pending only via explicit
// reviewer/requester action or the periodic expiry sweep.
type EscalationRequest struct {
	RequestID   string           `json:"request_id"`
	AgentID     string           `json:"agent_id"`
	Capability  string           `json:"requested_capability"`
	Reason      string           `json:"reason"`
	Status      EscalationStatus `json:"status"`
	RequestedAt int64            `json:"requested_at"` // epoch ms
	ReviewedBy  string           `json:"reviewed_by,omitempty"`
	ReviewedAt  int64            `json:"reviewed_at,omitempty"` // epoch ms
	DenyReason  string           `json:"deny_reason,omitempty"`
	Context     map[string]any   `json:"context,omitempty"`
}

// EscalationReceipt is the immutable record of how a request was resolved.
type EscalationReceipt struct {
	ReceiptID   string           `json:"receipt_id"`
	RequestID   string           `json:"request_id"`
	Outcome     EscalationStatus `json:"outcome"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	ResolvedAt  int64            `json:"resolved_at"` // epoch ms
	DurationMs  int64            `json:"duration_ms"`
	ContentHash string           `json:"content_hash"`
}
