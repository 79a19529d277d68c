package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupLayout is the timestamp embedded in rotated worker log names.
const BackupLayout = "20060102-150405"

// LogFile is the worker's append-only output log. It is rotated by rename
// once it reaches MaxBytes and never truncated in place.
type LogFile struct {
	Path     string
	MaxBytes int64
	Now      func() time.Time
}

// RotateIfNeeded renames the log to "<path>.<timestamp>.bak" and creates a
// fresh empty log when its size is at or above MaxBytes. It returns the
// backup path when a rotation happened.
func (f LogFile) RotateIfNeeded() (string, error) {
	st, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if f.MaxBytes <= 0 || st.Size() < f.MaxBytes {
		return "", nil
	}
	backup := f.backupName()
	if err := os.Rename(f.Path, backup); err != nil {
		return "", fmt.Errorf("rotate %s: %w", f.Path, err)
	}
	if err := f.Ensure(); err != nil {
		return backup, err
	}
	return backup, nil
}

// Ensure creates the directory and an empty log if none exists.
func (f LogFile) Ensure() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	return fh.Close()
}

// Remove deletes the log. A missing file is not an error.
func (f LogFile) Remove() (bool, error) {
	err := os.Remove(f.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f LogFile) backupName() string {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	base := fmt.Sprintf("%s.%s.bak", f.Path, now().Format(BackupLayout))
	name := base
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
}
