package governance

import (
	"strings"

	"github.com/wardenhq/warden/pkg/contracts"
)

// ClassifyAgentID is a coarse fallback trust classifier based on agent-id
// naming conventions. It is a heuristic, used only when no authoritative
// tier history exists, and must never be conflated with the tier
// transition log: the log is the source of truth, this is a floor for
// agents the log has never seen.
func ClassifyAgentID(agentID string) contracts.AgentTier {
	switch {
	case strings.HasPrefix(agentID, "user:"), agentID == "system":
		return contracts.TierTrusted
	case strings.HasSuffix(agentID, "_admin"):
		return contracts.TierPropose
	case strings.HasSuffix(agentID, "_agent"), strings.HasPrefix(agentID, "test_"):
		return contracts.TierReadOnly
	default:
		return contracts.TierUntrusted
	}
}
