package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(t *testing.T) *Plan {
	t.Helper()
	p := New("builder_agent", "roll out config v2").
		WithClock(func() time.Time { return time.UnixMilli(1756600000000) })
	require.NoError(t, p.AddStep("state.read", map[string]any{"key": "config"}, "inspect current config"))
	require.NoError(t, p.AddStep("action.execute.deploy", nil, "apply the new config"))
	return p
}

func TestNew_StartsAsDraft(t *testing.T) {
	p := New("builder_agent", "roll out config v2")
	assert.Equal(t, StatusDraft, p.Status)
	assert.False(t, p.Frozen())
	assert.NotEmpty(t, p.PlanID)
	assert.Empty(t, p.ContentHash)
}

func TestAddStep_AssignsSequentialIDs(t *testing.T) {
	p := testPlan(t)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "step-1", p.Steps[0].StepID)
	assert.Equal(t, "step-2", p.Steps[1].StepID)
}

func TestFreeze_EmptyPlan(t *testing.T) {
	p := New("builder_agent", "nothing to do")
	require.ErrorIs(t, p.Freeze(), ErrEmptyPlan)
	assert.False(t, p.Frozen())
}

func TestFreeze_IsIrreversible(t *testing.T) {
	p := testPlan(t)
	require.NoError(t, p.Freeze())

	assert.True(t, p.Frozen())
	assert.Equal(t, int64(1756600000000), p.FrozenAt)
	assert.True(t, strings.HasPrefix(p.ContentHash, "sha256:"))

	require.ErrorIs(t, p.Freeze(), ErrAlreadyFrozen)
	require.ErrorIs(t, p.AddStep("action.rollback", nil, "undo"), ErrAlreadyFrozen)
	require.Len(t, p.Steps, 2)
}

func TestFreeze_HashIsContentDerived(t *testing.T) {
	a := testPlan(t)
	b := testPlan(t)
	require.NoError(t, a.Freeze())
	require.NoError(t, b.Freeze())

	// Same agent, goal, and steps hash identically even though the plan
	// ids differ.
	assert.NotEqual(t, a.PlanID, b.PlanID)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	c := testPlan(t)
	require.NoError(t, c.AddStep("evidence.log", nil, "record the rollout"))
	require.NoError(t, c.Freeze())
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestVerify_DetectsTampering(t *testing.T) {
	p := testPlan(t)

	_, err := p.Verify()
	require.Error(t, err)

	require.NoError(t, p.Freeze())
	ok, err := p.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	p.Steps[1].Capability = "action.execute.wipe"
	ok, err = p.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}
