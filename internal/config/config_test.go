package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	s, err := Load(NewViper(home), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Supervisor.PollInterval != DefaultPollInterval {
		t.Fatalf("poll interval: got %s", s.Supervisor.PollInterval)
	}
	if s.Supervisor.GracePeriod != time.Second || s.Supervisor.SettlePeriod != 2*time.Second {
		t.Fatalf("unexpected grace/settle: %+v", s.Supervisor)
	}
	if s.Supervisor.InstallAttempts != 3 || s.Supervisor.InstallBackoff != 3*time.Second {
		t.Fatalf("unexpected install retry policy: %+v", s.Supervisor)
	}
	if s.Log.MaxBytes != 10<<20 {
		t.Fatalf("log ceiling: got %d", s.Log.MaxBytes)
	}
	if want := filepath.Join(home, ".nodekeeper", "node.json"); s.Identity.File != want {
		t.Fatalf("identity file: got %q want %q", s.Identity.File, want)
	}
	if s.Identity.Env != "NEXUS_NODE_ID" {
		t.Fatalf("identity env: got %q", s.Identity.Env)
	}
	if s.GOOS == "" {
		t.Fatalf("GOOS not populated")
	}
}

func TestLoad_TOMLOverrides(t *testing.T) {
	home := t.TempDir()
	file := filepath.Join(home, "nk.toml")
	data := `
[worker]
binary = "my-worker"
patterns = ["my-worker"]

[supervisor]
poll_interval = "250ms"
install_attempts = 5

[log]
file = "~/logs/worker.log"
max_bytes = 2048

[context]
session_name = "custom"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	s, err := Load(NewViper(home), file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Worker.Binary != "my-worker" || len(s.Worker.Patterns) != 1 {
		t.Fatalf("worker overrides not applied: %+v", s.Worker)
	}
	if s.Supervisor.PollInterval != 250*time.Millisecond || s.Supervisor.InstallAttempts != 5 {
		t.Fatalf("supervisor overrides not applied: %+v", s.Supervisor)
	}
	if s.Log.File != filepath.Join(home, "logs", "worker.log") || s.Log.MaxBytes != 2048 {
		t.Fatalf("log overrides not applied: %+v", s.Log)
	}
	if s.Context.SessionName != "custom" {
		t.Fatalf("session name: got %q", s.Context.SessionName)
	}
	// untouched keys keep defaults
	if s.Supervisor.SettlePeriod != DefaultSettlePeriod {
		t.Fatalf("settle default lost: %s", s.Supervisor.SettlePeriod)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NODEKEEPER_SUPERVISOR_POLL_INTERVAL", "45s")
	s, err := Load(NewViper(home), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Supervisor.PollInterval != 45*time.Second {
		t.Fatalf("env override not applied: %s", s.Supervisor.PollInterval)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	home := t.TempDir()
	if _, err := Load(NewViper(home), filepath.Join(home, "missing.toml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestValidate(t *testing.T) {
	home := t.TempDir()
	base, err := Load(NewViper(home), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no binary", func(s *Settings) { s.Worker.Binary = " " }, "worker.binary"},
		{"no patterns", func(s *Settings) { s.Worker.Patterns = nil }, "worker.patterns"},
		{"zero poll", func(s *Settings) { s.Supervisor.PollInterval = 0 }, "poll_interval"},
		{"zero attempts", func(s *Settings) { s.Supervisor.InstallAttempts = 0 }, "install_attempts"},
		{"bad session", func(s *Settings) { s.Context.SessionName = "a:b" }, "session_name"},
		{"zero ceiling", func(s *Settings) { s.Log.MaxBytes = 0 }, "max_bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDependencyCommands(t *testing.T) {
	s := Settings{Dependencies: DependencyConfig{Linux: []string{"a"}, Darwin: []string{"b"}}}
	if got := s.DependencyCommands("linux"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("linux: %v", got)
	}
	if got := s.DependencyCommands("darwin"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("darwin: %v", got)
	}
	if got := s.DependencyCommands("plan9"); got != nil {
		t.Fatalf("unsupported: %v", got)
	}
	s.Dependencies.Skip = true
	if got := s.DependencyCommands("linux"); got != nil {
		t.Fatalf("skip should yield nil: %v", got)
	}
}
