package contracts

// CapabilityDefinition is the consumed shape of a capability from the
// external Grant Registry: what it depends on, how dangerous it is, and
// what side effects a well-behaved invocation is allowed to produce.
type CapabilityDefinition struct {
	CapabilityID        string             `json:"capability_id"`
	Requires            []string           `json:"requires,omitempty"`
	RiskLevel           RiskLevel          `json:"risk_level"`
	ProducesSideEffects []string           `json:"produces_side_effects,omitempty"`
	CostModel           map[string]float64 `json:"cost_model,omitempty"`
}

// Domain returns the first dot-segment of a capability id
// ("action.execute.deploy" → "action"). Policies are scoped by domain.
func Domain(capabilityID string) string {
	for i := 0; i < len(capabilityID); i++ {
		if capabilityID[i] == '.' {
			return capabilityID[:i]
		}
	}
	return capabilityID
}
