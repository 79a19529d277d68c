// Package platform hides how each supported OS opens, probes and closes the
// worker's execution context and installs build dependencies.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/nodekeeper/internal/shell"
)

// ErrUnsupported is returned for hosts outside the supported set.
var ErrUnsupported = errors.New("unsupported host platform")

// Kind is the closed set of platforms the supervisor runs on.
type Kind int

const (
	Unsupported Kind = iota
	Darwin           // visible Terminal.app window
	Linux            // detached tmux session
)

func (k Kind) String() string {
	switch k {
	case Darwin:
		return "darwin"
	case Linux:
		return "linux"
	default:
		return "unsupported"
	}
}

// Detect maps runtime.GOOS to a Kind.
func Detect(goos string) Kind {
	switch goos {
	case "darwin":
		return Darwin
	case "linux":
		return Linux
	default:
		return Unsupported
	}
}

// Worker describes the command line started inside an execution context.
type Worker struct {
	Binary  string
	Args    []string
	NodeID  string
	HomeDir string
	LogFile string // empty: output stays in the context
}

// Script renders the shell line run inside the context. Every element is
// single-quoted; the node id is expected to be validated already.
func (w Worker) Script() string {
	argv := append([]string{w.Binary}, w.Args...)
	argv = append(argv, "--node-id", w.NodeID)
	var b strings.Builder
	if w.HomeDir != "" {
		b.WriteString("cd ")
		b.WriteString(shell.Quote(w.HomeDir))
		b.WriteString(" && ")
	}
	b.WriteString(shell.Join(argv...))
	if w.LogFile != "" {
		b.WriteString(" >> ")
		b.WriteString(shell.Quote(w.LogFile))
		b.WriteString(" 2>&1")
	}
	return b.String()
}

// Platform is the per-OS capability set.
type Platform interface {
	Kind() Kind
	// GUI reports whether contexts are visible windows rather than sessions.
	GUI() bool
	InstallDependencies(ctx context.Context) error
	OpenContext(ctx context.Context, w Worker) error
	ContextAlive(ctx context.Context) bool
	// CloseContext tears down the context; a missing context is not an error.
	CloseContext(ctx context.Context) error
}

type Options struct {
	Runner             shell.Runner
	SessionName        string
	WindowMarker       string
	DependencyCommands []string
	Logger             *slog.Logger
}

// New returns the implementation for kind.
func New(kind Kind, opts Options) (Platform, error) {
	if opts.Runner == nil {
		opts.Runner = shell.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch kind {
	case Darwin:
		return &darwin{opts: opts}, nil
	case Linux:
		return &linux{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}

// installAll runs each dependency command in order and stops at the first failure.
func installAll(ctx context.Context, opts Options) error {
	for _, line := range opts.DependencyCommands {
		opts.Logger.Info("installing dependencies", "command", line)
		if out, err := shell.RunLine(ctx, opts.Runner, line); err != nil {
			return fmt.Errorf("dependency command %q: %w: %s", line, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
