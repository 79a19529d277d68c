// Package process enumerates OS processes and resolves the worker's process
// set. Lookups never fail loudly: an unavailable process table yields an
// empty set.
package process

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is one row of the process table.
type Record struct {
	PID     int32
	PPID    int32
	Name    string
	Cmdline string
}

// Table produces a point-in-time view of running processes.
type Table interface {
	Snapshot(ctx context.Context) ([]Record, error)
}

// SystemTable reads the host process table through gopsutil.
type SystemTable struct{}

func (SystemTable) Snapshot(ctx context.Context) ([]Record, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			// exited between listing and inspection
			continue
		}
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, Record{PID: p.Pid, PPID: ppid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// Registry answers "which processes belong to the worker". Results are
// recomputed on every call; earlier cleanups may have orphaned children.
type Registry struct {
	table Table
	self  int32
	log   *slog.Logger
}

func NewRegistry(t Table, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{table: t, self: int32(os.Getpid()), log: log}
}

// Match returns pids whose executable name matches one of patterns, plus
// the direct children of those processes. The supervisor itself is never
// included.
func (r *Registry) Match(ctx context.Context, patterns []string) []int32 {
	recs := r.snapshot(ctx)
	if len(recs) == 0 || len(patterns) == 0 {
		return nil
	}
	matched := make(map[int32]struct{})
	for _, rec := range recs {
		if rec.PID != r.self && matchesAny(rec, patterns) {
			matched[rec.PID] = struct{}{}
		}
	}
	set := make(map[int32]struct{}, len(matched))
	for pid := range matched {
		set[pid] = struct{}{}
	}
	for _, rec := range recs {
		if _, ok := matched[rec.PPID]; ok && rec.PID != r.self {
			set[rec.PID] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Descendants returns every transitive child of roots, excluding roots.
func (r *Registry) Descendants(ctx context.Context, roots []int32) []int32 {
	if len(roots) == 0 {
		return nil
	}
	recs := r.snapshot(ctx)
	children := make(map[int32][]int32)
	for _, rec := range recs {
		children[rec.PPID] = append(children[rec.PPID], rec.PID)
	}
	seen := make(map[int32]struct{}, len(roots))
	for _, p := range roots {
		seen[p] = struct{}{}
	}
	out := make(map[int32]struct{})
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if _, ok := seen[c]; ok || c == r.self {
				continue
			}
			seen[c] = struct{}{}
			out[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return sortedKeys(out)
}

func (r *Registry) snapshot(ctx context.Context) []Record {
	recs, err := r.table.Snapshot(ctx)
	if err != nil {
		r.log.Debug("process table unavailable", "error", err)
		return nil
	}
	return recs
}

func matchesAny(rec Record, patterns []string) bool {
	argv0 := ""
	if f := strings.Fields(rec.Cmdline); len(f) > 0 {
		argv0 = filepath.Base(f[0])
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if rec.Name == p || argv0 == p {
			return true
		}
	}
	return false
}

func sortedKeys(m map[int32]struct{}) []int32 {
	if len(m) == 0 {
		return nil
	}
	out := make([]int32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
