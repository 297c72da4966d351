//go:build windows

package task

import "os"

// IsProcessRunning reports whether a process with the given pid exists.
// Windows has no signal 0; FindProcess performs the existence check.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// TerminateProcess stops the owner process. Windows has no SIGTERM, so
// this is a hard kill.
func TerminateProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
