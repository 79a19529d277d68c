// Package supervisor drives the worker through install, identity
// resolution, launch and the version polling cycle until a termination
// signal cancels its context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/nodekeeper/internal/cleanup"
	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/identity"
	"github.com/loykin/nodekeeper/internal/launch"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/version"
)

// ErrNoWorker is returned when the worker could not be installed, no
// previous install is usable, and the launch failed as well.
var ErrNoWorker = errors.New("no usable worker binary")

type Installer interface {
	InstallDependencies(ctx context.Context) error
	InstallWorker(ctx context.Context) error
	Usable() bool
}

type IdentityResolver interface {
	Resolve(ctx context.Context) (identity.NodeID, identity.Source, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context, mode cleanup.Mode) cleanup.Result
}

type Launcher interface {
	Launch(ctx context.Context, id identity.NodeID) (*launch.ExecutionContext, error)
	Alive(ctx context.Context) bool
}

type Oracle interface {
	Check(ctx context.Context) version.Check
}

type Rotator interface {
	RotateIfNeeded() (string, error)
}

type Options struct {
	Installer    Installer
	Identity     IdentityResolver
	Cleaner      Cleaner
	Launcher     Launcher
	Oracle       Oracle
	Log          Rotator // worker log, checked on every poll
	History      *history.Recorder
	PollInterval time.Duration
	// Observe samples the running worker for metrics after each poll. Optional.
	Observe func(ctx context.Context)
	// BeforeExit runs after the exit event is recorded and before exit
	// cleanup, which may end the process. Optional.
	BeforeExit func()
	Platform   string
	Context    string
	Logger     *slog.Logger
}

type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	status Status

	launchFailed bool
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, log: opts.Logger}
}

// Status returns a copy of the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Context != nil {
		ec := *st.Context
		st.Context = &ec
	}
	if st.LastCheck != nil {
		c := *st.LastCheck
		st.LastCheck = &c
	}
	return st
}

// Run executes the loop. It returns only on a fatal error, or after exit
// cleanup when ctx is cancelled (in production exit cleanup ends the
// process before Run returns).
func (s *Supervisor) Run(ctx context.Context) error {
	// INSTALLING
	s.transition(Installing)
	installErr := s.install(ctx)
	if ctx.Err() != nil {
		return s.terminate(ctx)
	}

	// CONFIGURED
	id, src, err := s.opts.Identity.Resolve(ctx)
	if ctx.Err() != nil {
		return s.terminate(ctx)
	}
	if err != nil {
		s.setError(err)
		return fmt.Errorf("resolve node id: %w", err)
	}
	s.update(func(st *Status) { st.NodeID, st.Source = id, src })
	s.transition(Configured)
	s.log.Info("node id resolved", "node_id", id, "source", src)

	// RUNNING
	s.transition(Running)
	s.opts.Cleaner.Cleanup(ctx, cleanup.Restart)
	launchErr := s.launch(ctx, id)
	if ctx.Err() != nil {
		return s.terminate(ctx)
	}
	if launchErr != nil && installErr != nil && !s.opts.Installer.Usable() {
		return fmt.Errorf("%w: install: %v; launch: %v", ErrNoWorker, installErr, launchErr)
	}

	// POLLING / RESTARTING
	for {
		s.transition(Polling)
		if err := wait(ctx, s.opts.PollInterval); err != nil {
			return s.terminate(ctx)
		}
		s.rotateLog()
		if s.opts.Observe != nil {
			s.opts.Observe(ctx)
		}

		check := s.opts.Oracle.Check(ctx)
		now := time.Now()
		s.update(func(st *Status) { st.LastCheck, st.LastCheckAt = &check, now })
		if ctx.Err() != nil {
			return s.terminate(ctx)
		}

		switch {
		case check.Update:
			s.restart(ctx, id, "update", func() {
				s.record(ctx, history.Event{Type: history.EventUpdate, NodeID: string(id), Installed: string(check.Installed), Latest: string(check.Latest)})
				if err := s.opts.Installer.InstallWorker(ctx); err != nil {
					s.log.Warn("worker upgrade failed, relaunching existing install", "error", err)
				}
			})
		case s.launchFailed || !s.opts.Launcher.Alive(ctx):
			s.log.Warn("worker context is gone, relaunching", "previous_launch_failed", s.launchFailed)
			s.restart(ctx, id, "relaunch", func() {
				s.record(ctx, history.Event{Type: history.EventRelaunch, NodeID: string(id)})
			})
		}
		if ctx.Err() != nil {
			return s.terminate(ctx)
		}
	}
}

func (s *Supervisor) install(ctx context.Context) error {
	if err := s.opts.Installer.InstallDependencies(ctx); err != nil {
		s.log.Warn("dependency install failed, continuing", "error", err)
	}
	err := s.opts.Installer.InstallWorker(ctx)
	if err == nil {
		s.record(ctx, history.Event{Type: history.EventInstall})
		return nil
	}
	if s.opts.Installer.Usable() {
		s.log.Warn("worker install failed, using existing binary", "error", err)
		s.update(func(st *Status) { st.Degraded = true })
	} else {
		s.log.Error("worker install failed and no binary is available", "error", err)
	}
	s.setError(err)
	return err
}

// restart runs one RESTARTING cycle: restart cleanup, the optional step,
// then a fresh launch.
func (s *Supervisor) restart(ctx context.Context, id identity.NodeID, reason string, between func()) {
	s.transition(Restarting)
	metrics.IncRestart(reason)
	s.update(func(st *Status) { st.Restarts++ })
	s.opts.Cleaner.Cleanup(ctx, cleanup.Restart)
	if ctx.Err() != nil {
		return
	}
	between()
	if ctx.Err() != nil {
		return
	}
	_ = s.launch(ctx, id)
}

func (s *Supervisor) launch(ctx context.Context, id identity.NodeID) error {
	ec, err := s.opts.Launcher.Launch(ctx, id)
	if err != nil {
		s.launchFailed = true
		s.setError(err)
		s.update(func(st *Status) { st.Context = nil })
		s.record(ctx, history.Event{Type: history.EventLaunchFailed, NodeID: string(id), Error: err.Error()})
		return err
	}
	s.launchFailed = false
	s.update(func(st *Status) {
		st.Context = ec
		st.Launches++
		st.LastError = ""
	})
	s.record(ctx, history.Event{Type: history.EventLaunch, NodeID: string(id)})
	return nil
}

// terminate performs exit cleanup. The cleanup context is detached from the
// cancelled one so that teardown commands still run.
func (s *Supervisor) terminate(ctx context.Context) error {
	s.transition(Terminated)
	s.log.Info("termination requested, cleaning up")
	detached := context.WithoutCancel(ctx)
	s.record(detached, history.Event{Type: history.EventExit, NodeID: string(s.Status().NodeID)})
	if s.opts.BeforeExit != nil {
		s.opts.BeforeExit()
	}
	s.opts.Cleaner.Cleanup(detached, cleanup.Exit)
	return nil
}

func (s *Supervisor) rotateLog() {
	if s.opts.Log == nil {
		return
	}
	backup, err := s.opts.Log.RotateIfNeeded()
	if err != nil {
		s.log.Warn("worker log rotation failed", "error", err)
		return
	}
	if backup != "" {
		s.log.Info("worker log rotated", "backup", backup)
	}
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	e.Platform, e.Context = s.opts.Platform, s.opts.Context
	s.opts.History.Record(ctx, e)
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = to
	s.status.Since = time.Now()
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(string(from), string(to))
	s.log.Debug("state transition", "from", from, "to", to)
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Supervisor) setError(err error) {
	s.update(func(st *Status) { st.LastError = err.Error() })
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
