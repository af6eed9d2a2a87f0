//go:build windows

// Package procutil signals OS processes: the node's own pid file owner and
// the ffmpeg children of the transcoder.
package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// PROCESS_QUERY_LIMITED_INFORMATION
const queryLimitedInformation = 0x1000

// GracefulTerminate kills p. Windows has no SIGTERM for console children.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}

// TerminateByPID kills pid.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("procutil: invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.Kill()
}

// IsProcessAlive reports whether a handle to pid can be opened.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(queryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}
