package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBundle = `{
  "policy_id": "no-deletes",
  "version": "1.0.0",
  "domain": "action",
  "rules": [
    {
      "rule_id": "r1",
      "condition": "action.file.delete",
      "condition_type": "pattern",
      "action": "require_approval",
      "rationale": "deletions need sign-off",
      "priority": 10
    }
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	path := writeFile(t, t.TempDir(), "no-deletes.json", validBundle)

	require.NoError(t, r.LoadFile(ctx, path, "loader"))

	p, err := r.LoadPolicy(ctx, "no-deletes", "")
	require.NoError(t, err)
	assert.True(t, p.Active)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, "deletions need sign-off", p.Rules[0].Rationale)
}

func TestLoadFile_SchemaViolation(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	path := writeFile(t, t.TempDir(), "bad.json", `{"policy_id": "x", "version": "1.0.0"}`)

	err := r.LoadFile(ctx, path, "loader")
	assert.Error(t, err)
}

func TestLoadFile_UnknownAction(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	path := writeFile(t, t.TempDir(), "bad.json", `{
	  "policy_id": "x", "version": "1.0.0", "domain": "action",
	  "rules": [{"condition": "x", "condition_type": "pattern", "action": "permit"}]
	}`)

	err := r.LoadFile(ctx, path, "loader")
	assert.Error(t, err)
}

func TestLoadDirectory_SkipsBadFiles(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	dir := t.TempDir()
	writeFile(t, dir, "good.json", validBundle)
	writeFile(t, dir, "broken.json", `{not json`)
	writeFile(t, dir, "ignored.yaml", "policy_id: nope")

	loaded, err := r.LoadDirectory(ctx, dir, "loader")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	_, err = r.LoadPolicy(ctx, "no-deletes", "")
	assert.NoError(t, err)
}
