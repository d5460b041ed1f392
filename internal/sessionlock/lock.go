// Package sessionlock marks sessions as running across processes with one
// PID file per session.
package sessionlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHeld is returned when a live process already holds the lock.
var ErrHeld = errors.New("session is locked")

// HeldError reports which process holds a session lock.
type HeldError struct {
	SessionID string
	PID       int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session %s is running in process %d", e.SessionID, e.PID)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Locker hands out per-session locks under dir.
type Locker struct {
	dir string
	pid int
}

// New returns a Locker that keeps its PID files in dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, pid: os.Getpid()}
}

func (l *Locker) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".pid")
}

// Acquire takes the lock for sessionID. A lock left behind by a dead process
// is replaced. The returned release removes the lock file.
func (l *Locker) Acquire(sessionID string) (release func(), err error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := l.path(sessionID)

	for attempt := 0; attempt < 2; attempt++ {
		err := writeExclusive(path, l.pid)
		if err == nil {
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("write lock: %w", err)
		}
		if pid, alive := l.holder(path); alive {
			return nil, &HeldError{SessionID: sessionID, PID: pid}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, &HeldError{SessionID: sessionID}
}

// Holder returns the PID holding sessionID's lock and whether that process
// is alive.
func (l *Locker) Holder(sessionID string) (int, bool) {
	return l.holder(l.path(sessionID))
}

func (l *Locker) holder(path string) (int, bool) {
	pid, err := readPID(path)
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

func writeExclusive(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(strconv.Itoa(pid) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid lock file content: %w", err)
	}
	return pid, nil
}
