package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidAlive returns true if a process with given pid exists.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// PIDFileDetector detects the supervisor via the PID file written by "run".
// The file holds the pid on the first line and a JSON meta line with the
// process start time, so a recycled pid is not mistaken for a live one.
type PIDFileDetector struct {
	PIDFile string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records the current process.
func (d PIDFileDetector) Write() error {
	pid := os.Getpid()
	meta, _ := json.Marshal(pidMeta{StartUnix: getProcStartUnix(pid)})
	if err := os.MkdirAll(filepath.Dir(d.PIDFile), 0o750); err != nil {
		return err
	}
	data := fmt.Sprintf("%d\n%s\n", pid, meta)
	return os.WriteFile(d.PIDFile, []byte(data), 0o600)
}

// Remove deletes the PID file if it still names the current process.
func (d PIDFileDetector) Remove() error {
	pid, _, err := d.read()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(d.PIDFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PID returns the recorded pid, or 0 when there is no file.
func (d PIDFileDetector) PID() int {
	pid, _, _ := d.read()
	return pid
}

func (d PIDFileDetector) Alive(ctx context.Context) (bool, error) {
	pid, metaStart, err := d.read()
	if err != nil || pid == 0 {
		return false, err
	}
	if metaStart > 0 {
		cur := getProcStartUnix(pid)
		if cur > 0 && cur != metaStart {
			return false, nil // PID reused; not our process
		}
	}
	return pidAlive(ctx, pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

func (d PIDFileDetector) read() (pid int, start int64, err error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	if len(lines) >= 2 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			start = m.StartUnix
		}
	}
	return pid, start, nil
}
