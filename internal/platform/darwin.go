package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// darwin hosts the worker in a Terminal.app window whose custom title
// carries opts.WindowMarker. All interaction goes through osascript.
type darwin struct {
	opts Options
}

func (d *darwin) Kind() Kind { return Darwin }
func (d *darwin) GUI() bool  { return true }

func (d *darwin) InstallDependencies(ctx context.Context) error { return installAll(ctx, d.opts) }

func (d *darwin) OpenContext(ctx context.Context, w Worker) error {
	script := strings.Join([]string{
		`tell application "Terminal"`,
		`set t to do script ` + appleString(w.Script()),
		`set custom title of t to ` + appleString(d.opts.WindowMarker),
		`activate`,
		`end tell`,
	}, "\n")
	out, err := d.opts.Runner.Run(ctx, "osascript", "-e", script)
	if err != nil {
		return fmt.Errorf("open terminal window: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *darwin) ContextAlive(ctx context.Context) bool {
	script := `tell application "Terminal" to count (every window whose name contains ` + appleString(d.opts.WindowMarker) + `)`
	out, err := d.opts.Runner.Run(ctx, "osascript", "-e", script)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	return err == nil && n > 0
}

// CloseContext closes every marked window. Failures are swallowed: the
// window may already be gone or Terminal may not be running.
func (d *darwin) CloseContext(ctx context.Context) error {
	script := `tell application "Terminal" to close (every window whose name contains ` + appleString(d.opts.WindowMarker) + `) saving no`
	if out, err := d.opts.Runner.Run(ctx, "osascript", "-e", script); err != nil {
		d.opts.Logger.Debug("closing terminal windows", "error", err, "output", strings.TrimSpace(string(out)))
	}
	return nil
}

// appleString renders s as an AppleScript string literal.
func appleString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
