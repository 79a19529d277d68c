// Package detector answers "is it running?" for the supervisor itself and
// for the worker, from outside the running loop.
package detector

import "context"

// Detector is a strategy that determines if something is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the target is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// SessionProbe is satisfied by platform.Platform.
type SessionProbe interface {
	ContextAlive(ctx context.Context) bool
}

// SessionDetector reports whether the worker's execution context exists.
type SessionDetector struct {
	Probe SessionProbe
	Name  string
}

func (d SessionDetector) Alive(ctx context.Context) (bool, error) {
	return d.Probe.ContextAlive(ctx), nil
}

func (d SessionDetector) Describe() string { return "context:" + d.Name }
