//go:build !windows

// Package procutil signals OS processes: the node's own pid file owner and
// the ffmpeg children of the transcoder.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// GracefulTerminate sends SIGTERM to p.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to pid.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("procutil: invalid pid %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive probes pid with signal 0. A process owned by another user
// answers EPERM and still counts as alive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
