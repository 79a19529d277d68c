package supervisor

import (
	"time"

	"github.com/loykin/nodekeeper/internal/identity"
	"github.com/loykin/nodekeeper/internal/launch"
	"github.com/loykin/nodekeeper/internal/version"
)

// State is a phase of the reconciliation loop.
type State string

const (
	Installing State = "INSTALLING"
	Configured State = "CONFIGURED"
	Running    State = "RUNNING"
	Polling    State = "POLLING"
	Restarting State = "RESTARTING"
	Terminated State = "TERMINATED"
)

// Status is a point-in-time view of the supervisor for reporting.
type Status struct {
	State       State                    `json:"state"`
	Since       time.Time                `json:"since"`
	NodeID      identity.NodeID          `json:"node_id,omitempty"`
	Source      identity.Source          `json:"identity_source,omitempty"`
	Context     *launch.ExecutionContext `json:"context,omitempty"`
	LastCheck   *version.Check           `json:"last_check,omitempty"`
	LastCheckAt time.Time                `json:"last_check_at,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	Launches    int                      `json:"launches"`
	Restarts    int                      `json:"restarts"`
	Degraded    bool                     `json:"degraded"` // worker install failed, running on the previous binary
}
