// Package shell runs external commands for the platform, installer and
// version oracle. Everything that shells out goes through Runner so tests
// can substitute a fake.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Dir string
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- commands come from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return buf.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// RunLine runs a configured command line through r. Lines containing shell
// metacharacters, or already written as "sh -c ...", go through /bin/sh;
// plain lines are split on whitespace and executed directly.
func RunLine(ctx context.Context, r Runner, line string) ([]byte, error) {
	name, args := Split(line)
	if name == "" {
		return nil, nil
	}
	return r.Run(ctx, name, args...)
}

// Split turns a command line into name and argv.
func Split(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if script, ok := parseExplicitShell(line); ok {
		return "/bin/sh", []string{"-c", script}
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		return "/bin/sh", []string{"-c", line}
	}
	parts := strings.Fields(line)
	return parts[0], parts[1:]
}

// parseExplicitShell detects "sh -c <script>" prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		after := line[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes every argument and joins them with spaces.
func Join(args ...string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = Quote(a)
	}
	return strings.Join(q, " ")
}
