package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func requireSupportedHost(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("exercises the tmux platform")
	}
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "nodekeeper")
	for _, sub := range []string{"run", "status", "check-update", "cleanup", "identity"} {
		assert.Contains(t, out, sub)
	}
}

func TestIdentitySetAndShow(t *testing.T) {
	requireSupportedHost(t)
	home := t.TempDir()

	out, err := execute(t, "--home", home, "identity", "set", "abc-123")
	require.NoError(t, err)
	assert.Contains(t, out, "abc-123")

	data, err := os.ReadFile(filepath.Join(home, ".nodekeeper", "node.json"))
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string]string{"node_id": "abc-123"}, doc)

	out, err = execute(t, "--home", home, "identity", "show")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", strings.TrimSpace(out))
}

func TestIdentitySetRejectsInvalid(t *testing.T) {
	requireSupportedHost(t)
	home := t.TempDir()
	_, err := execute(t, "--home", home, "identity", "set", "abc 123;rm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid node id")

	_, err = execute(t, "--home", home, "identity", "show")
	assert.Error(t, err, "nothing stored")
}

func TestCleanupRemovesLogUnlessKept(t *testing.T) {
	requireSupportedHost(t)
	home := t.TempDir()
	log := filepath.Join(home, ".nodekeeper", "worker.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(log), 0o750))

	require.NoError(t, os.WriteFile(log, []byte("line\n"), 0o640))
	out, err := execute(t, "--home", home, "cleanup", "--keep-log")
	require.NoError(t, err)
	assert.Contains(t, out, "log removed: false")
	assert.FileExists(t, log)

	out, err = execute(t, "--home", home, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "log removed: true")
	assert.NoFileExists(t, log)

	// second pass has nothing to do
	out, err = execute(t, "--home", home, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "terminated 0, killed 0, log removed: false")
}

func TestCheckUpdateUnknownIsNoUpdate(t *testing.T) {
	requireSupportedHost(t)
	home := t.TempDir()
	cfg := filepath.Join(home, "nk.toml")
	toml := "[worker]\nbinary = \"nodekeeper-test-missing-binary\"\ntag_repo = \"" + filepath.Join(home, "no-such-repo") + "\"\n"
	require.NoError(t, os.WriteFile(cfg, []byte(toml), 0o644))

	out, err := execute(t, "--home", home, "--config", cfg, "check-update")
	require.NoError(t, err)
	var got struct {
		Installed string `json:"installed"`
		Latest    string `json:"latest"`
		Update    bool   `json:"update_available"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Installed)
	assert.Empty(t, got.Latest)
	assert.False(t, got.Update)
}

func TestStatusJSON(t *testing.T) {
	requireSupportedHost(t)
	home := t.TempDir()
	out, err := execute(t, "--home", home, "status", "--json")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, false, got["supervisor_alive"])
	assert.Equal(t, "nexus", got["context"])
	checks, ok := got["checks"].([]any)
	require.True(t, ok)
	require.Len(t, checks, 2)
	assert.Equal(t, "context:nexus", checks[1].(map[string]any)["method"])
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := execute(t, "--home", t.TempDir(), "--config", "/nonexistent/nk.toml", "status")
	assert.Error(t, err)
}
