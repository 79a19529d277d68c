package process

import (
	"context"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Signaler delivers termination signals to single pids.
type Signaler interface {
	// Terminate asks the process to exit (SIGTERM on Unix).
	Terminate(ctx context.Context, pid int32) error
	// Kill forces the process to exit (SIGKILL on Unix).
	Kill(ctx context.Context, pid int32) error
	// Alive reports whether pid still exists and is not a zombie.
	Alive(ctx context.Context, pid int32) bool
}

// SystemSignaler signals host processes through gopsutil.
type SystemSignaler struct{}

func (SystemSignaler) Terminate(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (SystemSignaler) Kill(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (SystemSignaler) Alive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(st, gopsproc.Zombie)
}
