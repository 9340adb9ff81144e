package profile

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
)

func validProfile(agentID string) contracts.AgentProfile {
	return contracts.AgentProfile{
		AgentID:             agentID,
		Tier:                contracts.TierReadOnly,
		AllowedCapabilities: []string{"state.*"},
		DefaultLevel:        contracts.RiskLow,
		EscalationPolicy:    contracts.EscalationPolicyDeny,
		AgentType:           "worker",
	}
}

func TestService_PutAndGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	require.NoError(t, svc.Put(ctx, validProfile("agent-1")))

	p, err := svc.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.AgentID)

	_, err = svc.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestService_PutRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	p := validProfile("agent-1")
	p.Tier = contracts.AgentTier(7)
	assert.Error(t, svc.Put(ctx, p))

	p = validProfile("agent-1")
	p.EscalationPolicy = "grant_everything"
	assert.Error(t, svc.Put(ctx, p))

	p = validProfile("agent-1")
	p.AllowedCapabilities = []string{"  "}
	assert.Error(t, svc.Put(ctx, p))
}

func TestCanUse(t *testing.T) {
	svc := NewService(NewMemoryStore())

	p := &contracts.AgentProfile{
		AllowedCapabilities:   []string{"state.*", "decision.plan.?reate"},
		ForbiddenCapabilities: []string{"state.memory.write"},
	}

	assert.True(t, svc.CanUse(p, "state.read"))
	assert.True(t, svc.CanUse(p, "state.memory.read"))
	assert.True(t, svc.CanUse(p, "decision.plan.create"))
	assert.False(t, svc.CanUse(p, "state.memory.write"))
	assert.False(t, svc.CanUse(p, "action.execute"))
	assert.False(t, svc.CanUse(p, ""))
}

func TestCanUse_ForbiddenWinsOverExactAllow(t *testing.T) {
	svc := NewService(NewMemoryStore())
	p := &contracts.AgentProfile{
		AllowedCapabilities:   []string{"action.execute.deploy"},
		ForbiddenCapabilities: []string{"action.*"},
	}
	assert.False(t, svc.CanUse(p, "action.execute.deploy"))
}

// For any capability matched by both lists, forbidden always wins, in
// either list order.
func TestCanUse_ForbiddenWinsProperty(t *testing.T) {
	svc := NewService(NewMemoryStore())

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	segment := gen.RegexMatch(`[a-z]{1,8}`)
	properties.Property("forbidden wins", prop.ForAll(
		func(domain, action string, swap bool) bool {
			capID := domain + "." + action
			allowed := []string{domain + ".*"}
			forbidden := []string{capID}
			p := &contracts.AgentProfile{
				AllowedCapabilities:   allowed,
				ForbiddenCapabilities: forbidden,
			}
			if swap {
				p.AllowedCapabilities = []string{capID}
				p.ForbiddenCapabilities = []string{domain + ".*"}
			}
			return !svc.CanUse(p, capID)
		},
		segment, segment, gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestMatcher(t *testing.T) {
	m := NewMatcher()
	assert.True(t, m.Matches("state.*", "state.memory.read"))
	assert.True(t, m.Matches("state.?ead", "state.read"))
	assert.False(t, m.Matches("state.?", "state.read"))
	assert.False(t, m.Matches("state.*", "statex.read"))

	assert.NoError(t, ValidatePattern("a.*.b"))
	assert.NoError(t, ValidatePattern("a.[b"))
	assert.Error(t, ValidatePattern("   "))
}
