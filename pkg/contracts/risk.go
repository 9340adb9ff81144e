package contracts

// RiskLevel classifies a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel maps a stored string onto the closed enum. Unrecognized
// values fail safe to RiskCritical — unknown is dangerous, not neutral.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(s)
	default:
		return RiskCritical
	}
}

// RiskFactor is one weighted component of a risk assessment.
type RiskFactor struct {
	FactorName   string  `json:"factor_name"`
	Weight       float64 `json:"weight"`
	Value        float64 `json:"value"`        // clamped to [0,1]
	Contribution float64 `json:"contribution"` // weight * value
	Explanation  string  `json:"explanation"`
}

// RiskScore is a normalized weighted assessment of how dangerous an
// operation is. Score is always in [0,1].
type RiskScore struct {
	Score              float64      `json:"score"`
	Level              RiskLevel    `json:"level"`
	Factors            []RiskFactor `json:"factors"`
	MitigationRequired bool         `json:"mitigation_required"`
	RecommendedActions []string     `json:"recommended_actions"`
	AssessedAt         int64        `json:"assessed_at"` // epoch ms
}
