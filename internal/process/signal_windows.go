//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// terminateGroup terminates the process on Windows. There is no graceful
// SIGTERM equivalent for arbitrary console processes, so both stages map to
// TerminateProcess.
func terminateGroup(pid int) error { return terminate(pid) }

// killGroup forcefully terminates the process on Windows.
func killGroup(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	handle, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// Process already gone; treat as terminated.
		return nil
	}
	defer closeHandle(handle)
	ret, _, callErr := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

// processExists reports whether a process with the given pid exists.
func processExists(pid int) bool {
	handle, err := openProcess(processQueryInformation, uint32(pid))
	if err != nil {
		return false
	}
	defer closeHandle(handle)
	return true
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
