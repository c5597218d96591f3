// Package event carries child-process notifications from the supervisor to
// the surrounding application.
package event

import "time"

// Type identifies an event kind. Values are the names published to listeners.
type Type string

const (
	OutputLine      Type = "output-line"
	ErrorLine       Type = "error-line"
	ChildTerminated Type = "child-terminated"
	Ready           Type = "ready"
	StartFailed     Type = "start-failed"
	ChildStarted    Type = "child-started"
	ChildStopped    Type = "child-stopped"
)

// Stream names the child stdio stream an output line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is a tagged variant; only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	PID       int       `json:"pid,omitempty"`
	Line      string    `json:"line,omitempty"`
	Stream    Stream    `json:"stream,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Port      uint16    `json:"port,omitempty"`
	Message   string    `json:"message,omitempty"`
	Requested bool      `json:"requested,omitempty"` // termination caused by Stop, Restart or the shutdown hook
	At        time.Time `json:"at"`
}

// Lifecycle reports whether e describes a lifecycle change rather than output.
func (e Event) Lifecycle() bool {
	switch e.Type {
	case OutputLine, ErrorLine:
		return false
	default:
		return true
	}
}

func Output(pid int, line string, stream Stream) Event {
	t := OutputLine
	if stream == Stderr {
		t = ErrorLine
	}
	return Event{Type: t, PID: pid, Line: line, Stream: stream, At: time.Now()}
}

func Terminated(pid int, exitCode *int) Event {
	return Event{Type: ChildTerminated, PID: pid, ExitCode: exitCode, At: time.Now()}
}

// RequestedTermination is Terminated for a child the supervisor stopped.
func RequestedTermination(pid int, exitCode *int) Event {
	e := Terminated(pid, exitCode)
	e.Requested = true
	return e
}

func ReadyOn(pid int, port uint16) Event {
	return Event{Type: Ready, PID: pid, Port: port, At: time.Now()}
}

func Failed(pid int, msg string) Event {
	return Event{Type: StartFailed, PID: pid, Message: msg, At: time.Now()}
}

func Started(pid int) Event {
	return Event{Type: ChildStarted, PID: pid, At: time.Now()}
}

func Stopped(pid int) Event {
	return Event{Type: ChildStopped, PID: pid, At: time.Now()}
}
