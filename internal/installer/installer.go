// Package installer provisions the host: build dependencies once per
// session and the worker binary before every launch.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/shell"
)

// ErrNotUsable is returned when the install command succeeded but the
// worker binary still cannot be found.
var ErrNotUsable = errors.New("worker binary not usable after install")

// Dependencies is the platform step; platform.Platform satisfies it.
type Dependencies interface {
	InstallDependencies(ctx context.Context) error
}

type Options struct {
	Runner   shell.Runner
	Deps     Dependencies
	Command  string // worker install/upgrade command line
	Binary   string
	Attempts int
	Backoff  time.Duration
	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

type Installer struct {
	opts Options
}

func New(opts Options) *Installer {
	if opts.Runner == nil {
		opts.Runner = shell.ExecRunner{}
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Installer{opts: opts}
}

// InstallDependencies runs the platform's dependency commands.
func (i *Installer) InstallDependencies(ctx context.Context) error {
	if i.opts.Deps == nil {
		return nil
	}
	if err := i.opts.Deps.InstallDependencies(ctx); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	return nil
}

// InstallWorker runs the install command until it succeeds or the attempt
// budget is spent, waiting a constant backoff between tries. The command is
// an idempotent upgrade, so it is safe to run against an existing install.
func (i *Installer) InstallWorker(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		out, err := shell.RunLine(ctx, i.opts.Runner, i.opts.Command)
		if err != nil {
			i.opts.Logger.Warn("worker install failed", "attempt", attempt, "of", i.opts.Attempts, "error", err, "output", tail(out))
			return err
		}
		if !i.Usable() {
			i.opts.Logger.Warn("worker install finished but binary is missing", "attempt", attempt, "binary", i.opts.Binary)
			return ErrNotUsable
		}
		return nil
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(i.opts.Backoff)
	b = backoff.WithMaxRetries(b, uint64(i.opts.Attempts-1))
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	metrics.IncInstall(err == nil)
	if err != nil {
		return fmt.Errorf("install worker after %d attempt(s): %w", attempt, err)
	}
	i.opts.Logger.Info("worker installed", "binary", i.opts.Binary, "attempts", attempt)
	return nil
}

// Usable reports whether the worker binary resolves on PATH.
func (i *Installer) Usable() bool {
	_, err := i.opts.LookPath(i.opts.Binary)
	return err == nil
}

// tail keeps the last few lines of command output for the log.
func tail(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
