package metrics

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/process"
)

// ObserveWorker samples the worker's process set and updates the process
// count and RSS gauges. Processes that vanish mid-sample are skipped and
// reported to log at debug level; log may be nil.
func ObserveWorker(ctx context.Context, log *slog.Logger, pids []int32) (count int, rss uint64) {
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			skipped(log, pid, err)
			continue
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			skipped(log, pid, err)
			continue
		}
		count++
		rss += mem.RSS
	}
	if regOK.Load() {
		workerProcesses.Set(float64(count))
		workerRSS.Set(float64(rss))
	}
	return count, rss
}

func skipped(log *slog.Logger, pid int32, err error) {
	if log != nil {
		log.Debug("worker process skipped in sample", "pid", pid, "error", err)
	}
}
