//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminate asks the worker's process group to exit.
func terminate(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

// kill forcibly stops the worker's process group.
func kill(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }

// exitSignal extracts the terminating signal name from a wait status.
func exitSignal(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
