package nodekeeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodekeeper/internal/config"
)

// scriptedRunner fails every command except those with a canned answer.
type scriptedRunner map[string]string

func (r scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	for prefix, out := range r {
		if strings.HasPrefix(key, prefix) {
			return []byte(out), nil
		}
	}
	return nil, errors.New("not scripted: " + key)
}

// recordingRunner answers like scriptedRunner and keeps every command line.
type recordingRunner struct {
	scripted scriptedRunner
	mu       sync.Mutex
	calls    []string
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	r.mu.Unlock()
	return r.scripted.Run(ctx, name, args...)
}

func (r *recordingRunner) called(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func settings(t *testing.T, goos string) Settings {
	t.Helper()
	s, err := config.Load(config.NewViper(t.TempDir()), "")
	require.NoError(t, err)
	s.GOOS = goos
	s.Worker.Patterns = []string{"nodekeeper-test-no-such-worker"}
	return s
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewUnsupportedPlatform(t *testing.T) {
	_, err := New(settings(t, "windows"), Options{Logger: quiet()})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCheckUpdate(t *testing.T) {
	r := scriptedRunner{
		"git ls-remote":           "a\trefs/tags/v1.2.0\nb\trefs/tags/v1.3.0\n",
		"nexus-network --version": "nexus-network 1.2.0",
	}
	n, err := New(settings(t, "linux"), Options{Logger: quiet(), Runner: r})
	require.NoError(t, err)

	c := n.CheckUpdate(context.Background())
	assert.True(t, c.Update)
	assert.Equal(t, "v1.3.0", string(c.Latest))
}

func TestIdentityRoundTrip(t *testing.T) {
	n, err := New(settings(t, "linux"), Options{Logger: quiet(), Runner: scriptedRunner{}})
	require.NoError(t, err)

	id, err := n.StoredIdentity()
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = n.SetIdentity("bad id")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = n.SetIdentity("abc-123")
	require.NoError(t, err)
	id, err = n.StoredIdentity()
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestResolveIdentityFromEnv(t *testing.T) {
	s := settings(t, "linux")
	env := map[string]string{"NEXUS_NODE_ID": "env-node-7"}
	n, err := New(s, Options{Logger: quiet(), Runner: scriptedRunner{}, Getenv: func(k string) string { return env[k] }})
	require.NoError(t, err)

	id, src, err := n.ResolveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-node-7", id.String())
	assert.Equal(t, "env", string(src))

	data, err := os.ReadFile(s.Identity.File)
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_id":"env-node-7"}`, string(data))
}

func TestCleanupModes(t *testing.T) {
	s := settings(t, "linux")
	var exits []int
	n, err := New(s, Options{Logger: quiet(), Runner: scriptedRunner{}, Exit: func(c int) { exits = append(exits, c) }})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Log.File), 0o750))
	require.NoError(t, os.WriteFile(s.Log.File, []byte("x"), 0o640))

	res := n.Cleanup(context.Background(), CleanupExit)
	assert.False(t, res.LogRemoved)
	assert.FileExists(t, s.Log.File)
	assert.Equal(t, []int{0}, exits)

	res = n.Cleanup(context.Background(), CleanupRestart)
	assert.True(t, res.LogRemoved)
	assert.NoFileExists(t, s.Log.File)
}

func TestProbe(t *testing.T) {
	s := settings(t, "linux")
	n, err := New(s, Options{Logger: quiet(), Runner: scriptedRunner{"tmux has-session": ""}})
	require.NoError(t, err)

	p := n.Probe(context.Background())
	assert.True(t, p.ContextAlive)
	assert.Equal(t, "nexus", p.Context)
	assert.False(t, p.SupervisorAlive)
	assert.Empty(t, p.WorkerPIDs)
	assert.Equal(t, s.Log.File, p.LogFile)
	require.Len(t, p.Checks, 2)
	assert.Equal(t, "pidfile:"+filepath.Join(s.StateDir, "nodekeeper.pid"), p.Checks[0].Method)
	assert.False(t, p.Checks[0].Alive)
	assert.Equal(t, "context:nexus", p.Checks[1].Method)
	assert.True(t, p.Checks[1].Alive)
}

func TestDarwinLaunchKeepsOutputInWindow(t *testing.T) {
	r := &recordingRunner{scripted: scriptedRunner{"osascript": ""}}
	n, err := New(settings(t, "darwin"), Options{Logger: quiet(), Runner: r})
	require.NoError(t, err)

	_, err = n.launcher.Launch(context.Background(), "abc-123")
	require.NoError(t, err)

	calls := r.called("osascript")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "'--node-id' 'abc-123'")
	assert.NotContains(t, calls[0], ">>")
	assert.NotContains(t, calls[0], "worker.log")
}

func TestLinuxLaunchRedirectsToLog(t *testing.T) {
	s := settings(t, "linux")
	s.Supervisor.SettlePeriod = time.Millisecond
	r := &recordingRunner{scripted: scriptedRunner{"tmux": ""}}
	n, err := New(s, Options{Logger: quiet(), Runner: r})
	require.NoError(t, err)

	_, err = n.launcher.Launch(context.Background(), "abc-123")
	require.NoError(t, err)

	calls := r.called("tmux new-session")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], ">> '"+s.Log.File+"' 2>&1")
}

func TestRunRemovesPIDFileBeforeExitCleanupEnds(t *testing.T) {
	s := settings(t, "linux")
	s.Supervisor.SettlePeriod = time.Millisecond
	s.Supervisor.InstallAttempts = 1
	s.Supervisor.InstallBackoff = 0
	s.Dependencies.Skip = true
	pidFile := filepath.Join(s.StateDir, "nodekeeper.pid")

	var pidFileAtExit []bool
	env := map[string]string{"NEXUS_NODE_ID": "abc-123"}
	n, err := New(s, Options{
		Logger: quiet(),
		Runner: scriptedRunner{"tmux": ""},
		Getenv: func(k string) string { return env[k] },
		Exit: func(code int) {
			_, statErr := os.Stat(pidFile)
			pidFileAtExit = append(pidFileAtExit, statErr == nil)
			assert.Equal(t, 0, code)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, n.Run(ctx))

	assert.Equal(t, []bool{false}, pidFileAtExit)
	assert.NoFileExists(t, pidFile)
}
