// Package lockfile guards a SQLite state directory against a second Helena
// process. The lock is an flock on a file in the directory, so the kernel
// releases it when the holder exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created inside the guarded directory.
const LockFileName = "helena.lock"

// ErrLocked is wrapped by LockError.
var ErrLocked = errors.New("state directory locked by another process")

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError reports the process that holds the lock, when known.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another Helena instance uses this state directory (lock %s)", e.Path)
	if e.Holder != "" {
		msg += ": " + e.Holder
	}
	return msg + "; remove the lock file only if no other instance is running"
}

func (e *LockError) Unwrap() []error { return []error{ErrLocked, e.Cause} }

// Acquire takes an exclusive, non-blocking lock on dir, creating it when
// needed, and records the current pid in the lock file.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(f)
		f.Close()
		slog.Error("lockfile.Acquire: directory already locked", "path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "path", path, "error", err)
		}
	}
	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still locked so a waiting process never sees our pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return err
}

// describeHolder reads the pid recorded by the current holder.
func describeHolder(f *os.File) string {
	buf := make([]byte, 64)
	n, _ := f.ReadAt(buf, 0)
	pid := parsePID(string(buf[:n]))
	switch {
	case pid == 0:
		return ""
	case processAlive(pid):
		return fmt.Sprintf("pid %d (running)", pid)
	default:
		return fmt.Sprintf("pid %d (not running)", pid)
	}
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				return pid
			}
		}
	}
	return 0
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
