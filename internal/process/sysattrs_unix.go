//go:build !windows && !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group for group signalling.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
