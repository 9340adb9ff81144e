package contracts

// OverrideToken is an admin-issued, single-use, time-limited bypass of
// normal governance checks. Used transitions false→true exactly once,
// atomically with validation; the record is immutable thereafter.
type OverrideToken struct {
	OverrideID       string `json:"override_id"`
	AdminID          string `json:"admin_id"`
	BlockedOperation string `json:"blocked_operation"`
	Reason           string `json:"reason"`
	ExpiresAt        int64  `json:"expires_at"` // epoch ms
	Used             bool   `json:"used"`
	UsedAt           int64  `json:"used_at,omitempty"` // epoch ms
	CreatedAt        int64  `json:"created_at"`        // epoch ms
}

const (
	// OverrideReasonMinLen is the minimum justification length for an
	// emergency override. Overrides bypass every other control, so the
	// written rationale carries the entire audit burden.
	OverrideReasonMinLen = 100

	// OverrideMinDurationHours and OverrideMaxDurationHours bound the
	// lifetime of an override token: one hour to one week.
	OverrideMinDurationHours = 1
	OverrideMaxDurationHours = 168
)
