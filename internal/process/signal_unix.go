//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminate signals the child's process group first so helpers spawned by an
// interpreted runtime go down with it, then falls back to the pid alone.
func terminate(pid int, graceful bool) error {
	if pid <= 0 {
		return ErrProcessGone
	}
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	err = syscall.Kill(pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return ErrProcessGone
	}
	return err
}
