package runstate

import (
	"os"
	"syscall"
)

// Liveness answers whether the worker process backing a run still exists.
// The engine only depends on the boolean, not on how workers are spawned.
type Liveness interface {
	Alive(pid int) bool
}

// PIDLiveness checks process existence with a null signal.
type PIDLiveness struct{}

func (PIDLiveness) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
