package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventInstall      EventType = "install"
	EventLaunch       EventType = "launch"
	EventLaunchFailed EventType = "launch_failed"
	EventUpdate       EventType = "update"
	EventRelaunch     EventType = "relaunch"
	EventExit         EventType = "exit"
)

// Event is one supervisor lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	NodeID     string    `json:"node_id"`
	Platform   string    `json:"platform"`
	Context    string    `json:"context"`
	Installed  string    `json:"installed_version,omitempty"`
	Latest     string    `json:"latest_version,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Columns is the column order every table-backed sink stores an Event
// under. The names match Event's JSON fields, which document sinks use.
var Columns = []string{"type", "occurred_at", "node_id", "platform", "context", "installed_version", "latest_version", "error"}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged and never
// returned; history must not stall supervision.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: 5 * time.Second, log: log}
}

// Record stamps e with the current time if unset and delivers it.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
