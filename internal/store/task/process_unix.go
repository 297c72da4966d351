//go:build !windows

package task

import (
	"os"
	"syscall"
)

// IsProcessRunning reports whether a process with the given pid exists and
// is signalable by us. Permission errors count as not running: a pid we
// cannot signal is one we could never have spawned, so it is not a live
// owner of one of our tasks.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

// TerminateProcess asks the owner process to shut down. SIGTERM lets the
// runtime drain leases and record its stop before exiting.
func TerminateProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}
