// Package cleanup tears down every trace of the worker: its execution
// context, its process family and, before a restart, its log.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/process"
)

// Mode selects what happens after the worker is gone.
type Mode int

const (
	// Restart removes the worker log and returns to the caller.
	Restart Mode = iota
	// Exit keeps the log for inspection and terminates the supervisor with status 0.
	Exit
)

func (m Mode) String() string {
	if m == Exit {
		return "exit"
	}
	return "restart"
}

// Context is the slice of platform.Platform the engine needs.
type Context interface {
	GUI() bool
	ContextAlive(ctx context.Context) bool
	CloseContext(ctx context.Context) error
}

// Registry resolves the worker's process set.
type Registry interface {
	Match(ctx context.Context, patterns []string) []int32
	Descendants(ctx context.Context, roots []int32) []int32
}

// LogRemover deletes the worker log; logger.LogFile satisfies it.
type LogRemover interface {
	Remove() (bool, error)
}

type Options struct {
	Context  Context
	Registry Registry
	Signaler process.Signaler
	Patterns []string
	Grace    time.Duration
	Log      LogRemover
	Exit     func(code int)
	Logger   *slog.Logger
}

// Result summarises one cleanup pass.
type Result struct {
	Mode       Mode
	Terminated []int32 // exited within the grace period
	Killed     []int32 // needed SIGKILL, including descendants
	LogRemoved bool
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.Signaler == nil {
		opts.Signaler = process.SystemSignaler{}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{opts: opts}
}

// Cleanup runs the teardown. Every step tolerates "not found", so running
// it with nothing to clean is a no-op. In Exit mode it does not return
// unless the injected exit function does.
func (e *Engine) Cleanup(ctx context.Context, mode Mode) Result {
	log := e.opts.Logger.With("mode", mode.String())
	res := Result{Mode: mode}

	// 1. visible windows go first so the worker's terminal does not linger
	if e.opts.Context != nil && e.opts.Context.GUI() {
		_ = e.opts.Context.CloseContext(ctx)
	}

	// 2. graceful terminate, bounded grace, then force
	pids := e.opts.Registry.Match(ctx, e.opts.Patterns)
	// Resolved now: once parents die their children are re-parented and
	// can no longer be found through the tree.
	descendants := e.opts.Registry.Descendants(ctx, pids)
	if len(pids) > 0 {
		log.Info("stopping worker processes", "pids", pids)
		res.Terminated, res.Killed = e.terminate(ctx, pids)
	}

	// 3. session containers are not reaped by killing their members
	if e.opts.Context != nil && !e.opts.Context.GUI() && e.opts.Context.ContextAlive(ctx) {
		if err := e.opts.Context.CloseContext(ctx); err != nil {
			log.Warn("failed to close worker session", "error", err)
		}
	}

	// 4. leftover descendants are leaves; no grace
	for _, pid := range descendants {
		if !e.opts.Signaler.Alive(ctx, pid) {
			continue
		}
		if err := e.opts.Signaler.Kill(ctx, pid); err == nil {
			res.Killed = append(res.Killed, pid)
		}
	}

	metrics.IncCleanup(mode.String())

	// 5.
	if mode == Exit {
		log.Info("cleanup complete, exiting", "terminated", len(res.Terminated), "killed", len(res.Killed))
		e.opts.Exit(0)
		return res
	}
	if e.opts.Log != nil {
		removed, err := e.opts.Log.Remove()
		if err != nil {
			log.Warn("failed to remove worker log", "error", err)
		}
		res.LogRemoved = removed
	}
	log.Info("cleanup complete", "terminated", len(res.Terminated), "killed", len(res.Killed), "log_removed", res.LogRemoved)
	return res
}

func (e *Engine) terminate(ctx context.Context, pids []int32) (terminated, killed []int32) {
	sig := e.opts.Signaler
	pending := make([]int32, 0, len(pids))
	for _, pid := range pids {
		if err := sig.Terminate(ctx, pid); err != nil && !sig.Alive(ctx, pid) {
			continue // already gone
		}
		pending = append(pending, pid)
	}

	deadline := time.Now().Add(e.opts.Grace)
	for {
		alive := pending[:0]
		for _, pid := range pending {
			if sig.Alive(ctx, pid) {
				alive = append(alive, pid)
			} else {
				terminated = append(terminated, pid)
			}
		}
		pending = alive
		if len(pending) == 0 || !time.Now().Before(deadline) {
			break
		}
		t := time.NewTimer(min(50*time.Millisecond, time.Until(deadline)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			deadline = time.Now()
		}
	}

	for _, pid := range pending {
		if err := sig.Kill(ctx, pid); err != nil {
			e.opts.Logger.Debug("kill failed", "pid", pid, "error", err)
		}
		killed = append(killed, pid)
	}
	return terminated, killed
}
