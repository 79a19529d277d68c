// Package nodekeeper assembles the worker supervisor from configuration and
// exposes the operations the CLI drives.
package nodekeeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/nodekeeper/internal/cleanup"
	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/detector"
	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/history/factory"
	"github.com/loykin/nodekeeper/internal/identity"
	"github.com/loykin/nodekeeper/internal/installer"
	"github.com/loykin/nodekeeper/internal/launch"
	"github.com/loykin/nodekeeper/internal/logger"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/loykin/nodekeeper/internal/process"
	"github.com/loykin/nodekeeper/internal/server"
	"github.com/loykin/nodekeeper/internal/shell"
	"github.com/loykin/nodekeeper/internal/store"
	"github.com/loykin/nodekeeper/internal/supervisor"
	"github.com/loykin/nodekeeper/internal/version"
)

// Re-export core types for external consumers.

type Settings = config.Settings

type Status = supervisor.Status

type VersionCheck = version.Check

type CleanupMode = cleanup.Mode

const (
	CleanupRestart = cleanup.Restart
	CleanupExit    = cleanup.Exit
)

var (
	ErrUnsupported = platform.ErrUnsupported
	ErrInvalidID   = identity.ErrInvalid
	ErrMissingID   = identity.ErrMissing
	ErrNoWorker    = supervisor.ErrNoWorker
)

// Options carries per-invocation inputs that are not configuration.
type Options struct {
	Logger      *slog.Logger
	NodeID      string // --node-id flag
	In          io.Reader
	Out         io.Writer
	Interactive bool
	Getenv      func(string) string
	Runner      shell.Runner
	Exit        func(code int)
}

// Node is a fully wired supervisor for one worker.
type Node struct {
	settings Settings
	log      *slog.Logger
	opts     Options

	platform  platform.Platform
	registry  *process.Registry
	store     *store.FileStore
	logFile   logger.LogFile
	cleaner   *cleanup.Engine
	installer *installer.Installer
	launcher  *launch.Controller
	oracle    *version.Oracle
	pidFile   detector.PIDFileDetector
}

// New wires every component. It fails with ErrUnsupported on hosts other
// than Linux and macOS.
func New(s Settings, opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Runner == nil {
		opts.Runner = shell.ExecRunner{}
	}
	log := opts.Logger

	plat, err := platform.New(platform.Detect(s.GOOS), platform.Options{
		Runner:             opts.Runner,
		SessionName:        s.Context.SessionName,
		WindowMarker:       s.Context.WindowMarker,
		DependencyCommands: s.DependencyCommands(s.GOOS),
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{settings: s, log: log, opts: opts, platform: plat}
	n.registry = process.NewRegistry(process.SystemTable{}, log)
	n.store = store.NewFileStore(s.Identity.File)
	n.logFile = logger.LogFile{Path: s.Log.File, MaxBytes: s.Log.MaxBytes}
	n.pidFile = detector.PIDFileDetector{PIDFile: filepath.Join(s.StateDir, "nodekeeper.pid")}
	n.cleaner = cleanup.New(cleanup.Options{
		Context:  plat,
		Registry: n.registry,
		Patterns: s.Worker.Patterns,
		Grace:    s.Supervisor.GracePeriod,
		Log:      n.logFile,
		Exit:     opts.Exit,
		Logger:   log,
	})
	n.installer = installer.New(installer.Options{
		Runner:   opts.Runner,
		Deps:     plat,
		Command:  s.Worker.InstallCommand,
		Binary:   s.Worker.Binary,
		Attempts: s.Supervisor.InstallAttempts,
		Backoff:  s.Supervisor.InstallBackoff,
		Logger:   log,
	})
	worker := platform.Worker{
		Binary:  s.Worker.Binary,
		Args:    s.Worker.Args,
		HomeDir: s.HomeDir,
	}
	// A visible window shows the worker's output itself.
	if !plat.GUI() {
		worker.LogFile = s.Log.File
	}
	n.launcher = launch.New(launch.Options{
		Platform: plat,
		Worker:   worker,
		Log:      n.logFile,
		Settle:   s.Supervisor.SettlePeriod,
		Name:     n.contextName(),
		Logger:   log,
	})
	n.oracle = version.NewOracle(opts.Runner, s.Worker.TagRepo, s.Worker.Binary, log)
	return n, nil
}

func (n *Node) Settings() Settings { return n.settings }

func (n *Node) contextName() string {
	if n.platform.GUI() {
		return n.settings.Context.WindowMarker
	}
	return n.settings.Context.SessionName
}

func (n *Node) resolver() *identity.Resolver {
	return &identity.Resolver{
		Store:          n.store,
		EnvName:        n.settings.Identity.Env,
		Getenv:         n.opts.Getenv,
		Override:       n.opts.NodeID,
		In:             n.opts.In,
		Out:            n.opts.Out,
		Interactive:    n.opts.Interactive,
		ConfirmTimeout: n.settings.Identity.ConfirmTimeout,
		Logger:         n.log,
	}
}

// Run supervises the worker until ctx is cancelled. On cancellation the
// exit cleanup runs and, with the default exit function, the process ends
// with status 0 before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		n.log.Warn("metrics registration failed", "error", err)
	}
	if err := n.logFile.Ensure(); err != nil {
		n.log.Warn("cannot create worker log", "path", n.logFile.Path, "error", err)
	}
	if err := n.pidFile.Write(); err != nil {
		n.log.Warn("cannot write pid file", "path", n.pidFile.PIDFile, "error", err)
	}

	rec := history.NewRecorder(n.log)
	if dsn := n.settings.History.DSN; dsn != "" {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			n.log.Warn("history sink disabled", "dsn", dsn, "error", err)
		} else {
			rec = history.NewRecorder(n.log, sink)
		}
	}

	// Exit cleanup ends the process, so teardown cannot wait for Run to return.
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			if err := n.pidFile.Remove(); err != nil {
				n.log.Warn("cannot remove pid file", "path", n.pidFile.PIDFile, "error", err)
			}
			if err := rec.Close(); err != nil {
				n.log.Warn("closing history sinks failed", "error", err)
			}
		})
	}
	defer teardown()

	sup := supervisor.New(supervisor.Options{
		Installer:    n.installer,
		Identity:     n.resolver(),
		Cleaner:      n.cleaner,
		Launcher:     n.launcher,
		Oracle:       n.oracle,
		Log:          n.logFile,
		History:      rec,
		PollInterval: n.settings.Supervisor.PollInterval,
		Observe:      n.observe,
		BeforeExit:   teardown,
		Platform:     n.platform.Kind().String(),
		Context:      n.contextName(),
		Logger:       n.log,
	})

	if addr := n.settings.Metrics.Listen; addr != "" {
		r := server.NewRouter(sup, n.registry, n.settings.Worker.Patterns, "")
		if _, err := server.Start(ctx, addr, r, n.log); err != nil {
			n.log.Warn("status server disabled", "addr", addr, "error", err)
		}
	}

	n.log.Info("supervisor starting", "platform", n.platform.Kind().String(), "context", n.contextName(), "poll_interval", n.settings.Supervisor.PollInterval)
	return sup.Run(ctx)
}

func (n *Node) observe(ctx context.Context) {
	pids := n.registry.Match(ctx, n.settings.Worker.Patterns)
	pids = append(pids, n.registry.Descendants(ctx, pids)...)
	metrics.ObserveWorker(ctx, n.log, pids)
}

// Cleanup runs one cleanup pass outside the supervision loop.
func (n *Node) Cleanup(ctx context.Context, mode CleanupMode) cleanup.Result {
	return n.cleaner.Cleanup(ctx, mode)
}

// CheckUpdate compares the installed worker with the latest release.
func (n *Node) CheckUpdate(ctx context.Context) VersionCheck {
	return n.oracle.Check(ctx)
}

// ResolveIdentity runs identity resolution and persists the result.
func (n *Node) ResolveIdentity(ctx context.Context) (identity.NodeID, identity.Source, error) {
	return n.resolver().Resolve(ctx)
}

// StoredIdentity returns the persisted node id, if any.
func (n *Node) StoredIdentity() (string, error) {
	id, err := n.store.Get()
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// SetIdentity validates raw and persists it as the node id.
func (n *Node) SetIdentity(raw string) (identity.NodeID, error) {
	id, err := identity.Parse(raw)
	if err != nil {
		return "", err
	}
	return id, n.store.Set(id.String())
}

// Probe is an outside view of the host, for "status".
type Probe struct {
	SupervisorPID   int             `json:"supervisor_pid,omitempty"`
	SupervisorAlive bool            `json:"supervisor_alive"`
	ContextAlive    bool            `json:"context_alive"`
	Context         string          `json:"context"`
	Checks          []DetectorCheck `json:"checks"`
	WorkerPIDs      []int32         `json:"worker_pids"`
	NodeID          string          `json:"node_id,omitempty"`
	LogFile         string          `json:"log_file"`
}

// DetectorCheck is one liveness answer and the method that produced it.
type DetectorCheck struct {
	Method string `json:"method"`
	Alive  bool   `json:"alive"`
	Error  string `json:"error,omitempty"`
}

func (n *Node) Probe(ctx context.Context) Probe {
	p := Probe{Context: n.contextName(), LogFile: n.logFile.Path, WorkerPIDs: []int32{}}
	p.SupervisorPID = n.pidFile.PID()
	supervisorCheck := check(ctx, n.pidFile)
	contextCheck := check(ctx, detector.SessionDetector{Probe: n.platform, Name: p.Context})
	p.Checks = []DetectorCheck{supervisorCheck, contextCheck}
	p.SupervisorAlive, p.ContextAlive = supervisorCheck.Alive, contextCheck.Alive
	if pids := n.registry.Match(ctx, n.settings.Worker.Patterns); len(pids) > 0 {
		p.WorkerPIDs = pids
	}
	p.NodeID, _ = n.StoredIdentity()
	return p
}

func check(ctx context.Context, d detector.Detector) DetectorCheck {
	alive, err := d.Alive(ctx)
	c := DetectorCheck{Method: d.Describe(), Alive: alive}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

// RegisterMetrics registers the supervisor's collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
