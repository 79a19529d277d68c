package platform

import (
	"context"
	"fmt"
	"strings"
)

// linux hosts the worker in a detached tmux session named opts.SessionName.
type linux struct {
	opts Options
}

func (l *linux) Kind() Kind { return Linux }
func (l *linux) GUI() bool  { return false }

func (l *linux) InstallDependencies(ctx context.Context) error { return installAll(ctx, l.opts) }

func (l *linux) OpenContext(ctx context.Context, w Worker) error {
	out, err := l.opts.Runner.Run(ctx, "tmux", "new-session", "-d", "-s", l.opts.SessionName, w.Script())
	if err != nil {
		return fmt.Errorf("tmux new-session %s: %w: %s", l.opts.SessionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *linux) ContextAlive(ctx context.Context) bool {
	_, err := l.opts.Runner.Run(ctx, "tmux", "has-session", "-t", l.target())
	return err == nil
}

func (l *linux) CloseContext(ctx context.Context) error {
	if !l.ContextAlive(ctx) {
		return nil
	}
	out, err := l.opts.Runner.Run(ctx, "tmux", "kill-session", "-t", l.target())
	if err != nil && l.ContextAlive(ctx) {
		return fmt.Errorf("tmux kill-session %s: %w: %s", l.opts.SessionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// target pins the exact session name; tmux otherwise matches prefixes.
func (l *linux) target() string { return "=" + l.opts.SessionName }
