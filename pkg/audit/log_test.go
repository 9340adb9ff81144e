package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *Log {
	return NewLog().WithClock(func() time.Time { return time.UnixMilli(1756600000000) })
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := testLog()

	first, err := l.Append(EntryDecision, "agent-1", "state.read", map[string]string{"allowed": "true"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "genesis", first.PreviousHash)
	assert.NotEmpty(t, first.PayloadHash)
	assert.NotEmpty(t, first.EntryHash)

	second, err := l.Append(EntryDecision, "agent-1", "state.read", map[string]string{"allowed": "false"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, second.EntryHash, l.ChainHead())
	assert.Equal(t, 2, l.Size())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l := testLog()
	for i := 0; i < 5; i++ {
		_, err := l.Append(EntryDecision, "agent-1", "state.read", map[string]int{"seq": i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.VerifyChain())

	entries := l.Query(Filter{})
	require.Len(t, entries, 5)
	entries[2].Payload = []byte(`{"seq":99}`)
	assert.Error(t, l.VerifyChain())
}

func TestHashCanonical_KeyOrderIndependent(t *testing.T) {
	a, err := HashCanonical(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := HashCanonical(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "sha256:")
}

func TestQuery_Filters(t *testing.T) {
	l := testLog()
	_, err := l.Append(EntryDecision, "agent-1", "state.read", nil, nil)
	require.NoError(t, err)
	_, err = l.Append(EntryEscalation, "agent-2", "action.execute.deploy", nil, nil)
	require.NoError(t, err)
	_, err = l.Append(EntryDecision, "agent-2", "state.read", nil, nil)
	require.NoError(t, err)

	assert.Len(t, l.Query(Filter{EntryType: EntryDecision}), 2)
	assert.Len(t, l.Query(Filter{AgentID: "agent-2"}), 2)
	assert.Len(t, l.Query(Filter{EntryType: EntryEscalation, AgentID: "agent-2"}), 1)
	assert.Len(t, l.Query(Filter{Max: 1}), 1)
}

func TestExportBundle_Verifies(t *testing.T) {
	l := testLog()
	for i := 0; i < 3; i++ {
		_, err := l.Append(EntryDecision, "agent-1", "state.read", map[string]int{"seq": i}, nil)
		require.NoError(t, err)
	}

	bundle, err := l.ExportBundle(Filter{})
	require.NoError(t, err)
	assert.Len(t, bundle.Entries, 3)
	require.NoError(t, VerifyBundle(bundle))

	bundle.Entries[1].AgentID = "tampered"
	assert.Error(t, VerifyBundle(bundle))
}

func TestExport_FSSink(t *testing.T) {
	l := testLog()
	_, err := l.Append(EntrySecurityEvent, "agent-1", "override_used", nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	name, err := l.Export(context.Background(), Filter{}, FSSink{Dir: dir})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "override_used")
}
