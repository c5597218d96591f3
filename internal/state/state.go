package state

import (
	"sync"
	"time"
)

// State is the single shared record describing the supervised child.
// A zero pid means "not running"; the port is only meaningful while pid is set.
// All access goes through the methods below, each a short critical section.
type State struct {
	mu       sync.Mutex
	pid      int
	port     uint16
	identity int64 // OS creation time of pid in unix millis, 0 when unknown
	since    time.Time
}

// New returns an empty state.
func New() *State { return &State{} }

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	PID      int       `json:"pid"`
	Port     uint16    `json:"port"`
	Identity int64     `json:"-"`
	Since    time.Time `json:"since"`
}

// Running reports whether the snapshot describes a live child.
func (s Snapshot) Running() bool { return s.PID != 0 }

// Record registers a freshly spawned child, discarding any stale port.
func (s *State) Record(pid int, identity int64) {
	s.mu.Lock()
	s.pid = pid
	s.port = 0
	s.identity = identity
	s.since = time.Now()
	s.mu.Unlock()
}

// SetPort stores the announced port for pid. It is a no-op returning false
// when pid is no longer the recorded child.
func (s *State) SetPort(pid int, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 || s.pid != pid {
		return false
	}
	s.port = port
	return true
}

// Port returns the announced port of the current child.
func (s *State) Port() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 || s.port == 0 {
		return 0, false
	}
	return s.port, true
}

// PortFor returns the announced port only while pid is still the recorded child.
func (s *State) PortFor(pid int) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 || s.pid != pid || s.port == 0 {
		return 0, false
	}
	return s.port, true
}

// PID returns the recorded pid, or 0.
func (s *State) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Current reports whether pid is the recorded child.
func (s *State) Current(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pid != 0 && s.pid == pid
}

// Snapshot returns a copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{PID: s.pid, Port: s.port, Identity: s.identity, Since: s.since}
}

// Clear resets pid and port together.
func (s *State) Clear() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// ClearIf resets the state only when pid is still the recorded child.
// It returns true when the state was cleared.
func (s *State) ClearIf(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 || s.pid != pid {
		return false
	}
	s.clearLocked()
	return true
}

// Take atomically reads and clears the state, returning what was recorded.
func (s *State) Take() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{PID: s.pid, Port: s.port, Identity: s.identity, Since: s.since}
	s.clearLocked()
	return snap
}

func (s *State) clearLocked() {
	s.pid = 0
	s.port = 0
	s.identity = 0
	s.since = time.Time{}
}
