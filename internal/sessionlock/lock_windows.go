//go:build windows

package sessionlock

import (
	"os"
	"syscall"
)

// processAlive uses os.FindProcess, which always succeeds on Windows, and
// then a zero signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
