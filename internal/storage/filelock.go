package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured window. Callers surface it as an operator-visible error
// instead of retrying silently.
var ErrLockTimeout = errors.New("timed out acquiring file lock")

const lockPollInterval = 50 * time.Millisecond

// lockInfo describes the owner of an on-disk lock.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is an OS-level lock backed by an exclusively-created file.
// Locks abandoned by dead processes are reclaimed.
type FileLock struct {
	path    string
	timeout time.Duration
}

// NewFileLock creates a lock at path with a bounded acquisition
// timeout.
func NewFileLock(path string, timeout time.Duration) *FileLock {
	return &FileLock{path: path, timeout: timeout}
}

// Acquire takes the lock, polling until the timeout elapses.
// Returns ErrLockTimeout when the window is exhausted.
func (l *FileLock) Acquire() error {
	deadline := time.Now().Add(l.timeout)
	for {
		err := l.tryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.path, l.timeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// Release removes the lock file. It is idempotent.
func (l *FileLock) Release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to release lock", "path", l.path, "error", err)
	}
}

// With runs fn while holding the lock.
func (l *FileLock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

func (l *FileLock) tryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	err := writeLockFile(l.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock %s: %w", l.path, err)
	}

	// lock exists — check if the owner is still alive
	existing, readErr := readLockFile(l.path)
	if readErr != nil {
		// Could be mid-write by another process; let the caller poll.
		return os.ErrExist
	}

	if isProcessAlive(existing.PID) {
		return os.ErrExist
	}

	// stale lock — reclaim
	slog.Warn("reclaiming stale lock", "path", l.path, "stale_pid", existing.PID)
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	if err := writeLockFile(l.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return fmt.Errorf("acquire after stale removal: %w", err)
	}
	return nil
}

// writeLockFile atomically creates the lock file using O_CREATE|O_EXCL.
func writeLockFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now()}
	encErr := json.NewEncoder(f).Encode(&info)
	closeErr := f.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}

func readLockFile(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &info, nil
}

// isProcessAlive checks if a process with the given PID exists and is
// running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without actually sending a signal
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
