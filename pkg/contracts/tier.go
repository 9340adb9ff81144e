// Package contracts defines the shared domain types of the Warden
// authorization kernel: tiers, profiles, decisions, escalations,
// overrides, policies, risk scores, and quotas.
//
// The package is deliberately dependency-free — it is imported by every
// other package in the module. All timestamps are epoch milliseconds so
// records round-trip exactly through JSON and the relational store.
package contracts

import "fmt"

// AgentTier is the coarse, monotonically-increasing trust level of an agent.
type AgentTier int

const (
	TierUntrusted AgentTier = 0
	TierReadOnly  AgentTier = 1
	TierPropose   AgentTier = 2
	TierTrusted   AgentTier = 3
)

// String returns the canonical tier name.
func (t AgentTier) String() string {
	switch t {
	case TierUntrusted:
		return "untrusted"
	case TierReadOnly:
		return "read_only"
	case TierPropose:
		return "propose"
	case TierTrusted:
		return "trusted"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the defined tiers.
func (t AgentTier) Valid() bool {
	return t >= TierUntrusted && t <= TierTrusted
}

// TierTransition is an immutable record of a tier change. The transition
// log is append-only; an agent's current tier is the ToTier of its most
// recent transition.
type TierTransition struct {
	AgentID   string    `json:"agent_id"`
	FromTier  AgentTier `json:"from_tier"`
	ToTier    AgentTier `json:"to_tier"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason"`
	ChangedAt int64     `json:"changed_at"` // epoch ms
}
