package process

// Terminator delivers termination requests to a process.
// graceful asks the process to exit (SIGTERM on Unix); otherwise the process
// is killed unconditionally. ErrProcessGone is returned when pid no longer exists.
type Terminator interface {
	Terminate(pid int, graceful bool) error
}

// Signaler is the platform Terminator.
type Signaler struct{}

func (Signaler) Terminate(pid int, graceful bool) error {
	return terminate(pid, graceful)
}
