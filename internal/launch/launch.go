// Package launch starts the worker inside a fresh execution context and
// confirms that it came up.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/nodekeeper/internal/identity"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/platform"
)

// ErrNotRunning is returned when a session context is gone once the settle
// period has elapsed.
var ErrNotRunning = errors.New("worker context not running after settle period")

// Rotator rotates the worker log before a launch; logger.LogFile satisfies it.
type Rotator interface {
	RotateIfNeeded() (string, error)
}

// ExecutionContext describes a successfully launched worker.
type ExecutionContext struct {
	Kind      platform.Kind   `json:"-"`
	Platform  string          `json:"platform"`
	Name      string          `json:"name"`
	NodeID    identity.NodeID `json:"node_id"`
	StartedAt time.Time       `json:"started_at"`
}

type Options struct {
	Platform platform.Platform
	Worker   platform.Worker // NodeID is filled per launch
	Log      Rotator
	Settle   time.Duration
	Name     string // session name or window marker, for reporting
	Now      func() time.Time
	Logger   *slog.Logger
}

type Controller struct {
	opts Options
}

func New(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{opts: opts}
}

// Launch opens a new context running the worker for id. Windows are
// trusted once opened; sessions must still exist after the settle period.
func (c *Controller) Launch(ctx context.Context, id identity.NodeID) (*ExecutionContext, error) {
	ec, err := c.launch(ctx, id)
	metrics.IncLaunch(err == nil)
	if err != nil {
		c.opts.Logger.Error("worker launch failed", "node_id", id, "error", err)
		return nil, err
	}
	c.opts.Logger.Info("worker launched", "node_id", id, "platform", ec.Platform, "context", ec.Name)
	return ec, nil
}

func (c *Controller) launch(ctx context.Context, id identity.NodeID) (*ExecutionContext, error) {
	if _, err := identity.Parse(string(id)); err != nil {
		return nil, err
	}
	if c.opts.Log != nil {
		backup, err := c.opts.Log.RotateIfNeeded()
		if err != nil {
			c.opts.Logger.Warn("worker log rotation failed", "error", err)
		} else if backup != "" {
			c.opts.Logger.Info("worker log rotated", "backup", backup)
		}
	}

	w := c.opts.Worker
	w.NodeID = string(id)
	p := c.opts.Platform
	if err := p.OpenContext(ctx, w); err != nil {
		return nil, fmt.Errorf("open context: %w", err)
	}
	started := c.opts.Now()

	if !p.GUI() {
		if err := sleep(ctx, c.opts.Settle); err != nil {
			return nil, err
		}
		if !p.ContextAlive(ctx) {
			return nil, ErrNotRunning
		}
	}
	return &ExecutionContext{
		Kind:      p.Kind(),
		Platform:  p.Kind().String(),
		Name:      c.opts.Name,
		NodeID:    id,
		StartedAt: started,
	}, nil
}

// Alive reports whether the last launched context is still present.
func (c *Controller) Alive(ctx context.Context) bool {
	return c.opts.Platform.ContextAlive(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
