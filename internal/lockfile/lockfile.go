// Package lockfile guards the state directory against concurrent ZapFlow
// processes. The lock is a flock(2) on a pid file, so it vanishes with the
// process even on a crash.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the pid file created inside the state directory.
const LockFileName = "zapflow.lock"

// Lock is a held state directory lock. Release it on shutdown.
type Lock struct {
	file *os.File
	path string
}

// LockError reports that the state directory is locked by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("state directory already locked by another zapflow instance: %s", e.Path)
	if e.Holder != "" {
		msg += fmt.Sprintf(" (held by %s)", e.Holder)
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// AcquireLock takes an exclusive lock on the state directory, creating it if
// needed. A *LockError is returned when another process holds the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(path)
		file.Close()
		slog.Error("Lock acquisition failed", "path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	// The flock is ours; record the pid for diagnostics.
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "pid=%d\n", os.Getpid())
		file.Sync()
	}

	slog.Debug("Acquired state directory lock", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and removes the pid file. Safe to call twice.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	slog.Debug("Released state directory lock", "path", l.path)
	return err
}

// describeHolder reads the pid out of an existing lock file and reports
// whether that process is still alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	raw, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "pid=")
	if !ok {
		return ""
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return ""
	}
	if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d, no longer running", pid)
}
