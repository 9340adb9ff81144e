package contracts

// QuotaStatus describes an agent's standing against a resource quota at
// the moment of the check.
type QuotaStatus struct {
	ResourceType    string  `json:"resource_type"`
	AgentID         string  `json:"agent_id"`
	CurrentUsage    int64   `json:"current_usage"`
	Limit           int64   `json:"limit"`
	Remaining       int64   `json:"remaining"`
	ResetAt         int64   `json:"reset_at,omitempty"` // epoch ms
	UsagePercentage float64 `json:"usage_percentage"`
	Exceeded        bool    `json:"exceeded"`
	CheckedAt       int64   `json:"checked_at"` // epoch ms
}
