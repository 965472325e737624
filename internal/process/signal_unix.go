//go:build !windows

package process

import "syscall"

// terminateGroup sends SIGTERM to the process group of pid.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the process group of pid.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// processExists reports whether a process with the given pid exists.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
