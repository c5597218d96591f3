package process

import "errors"

var (
	// ErrDirectoryCreateFailed is returned when the data directory or one of
	// its required subdirectories cannot be created.
	ErrDirectoryCreateFailed = errors.New("data directory create failed")
	// ErrSpawnFailed is returned when the child cannot be started.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrSignalFailed is returned when a termination signal could not be delivered.
	ErrSignalFailed = errors.New("signal failed")
	// ErrProcessGone reports that the target pid no longer exists.
	ErrProcessGone = errors.New("process already exited")
)
