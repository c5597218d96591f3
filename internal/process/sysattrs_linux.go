//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group for group
// signalling and sets Pdeathsig. The kernel delivers Pdeathsig when the OS
// thread that forked the child exits, which under the Go scheduler can happen
// while the supervisor keeps running; ShutdownHook and the pid file reap are
// what actually clean up the child.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
