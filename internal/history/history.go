package history

import (
	"context"
	"time"

	"github.com/loykin/sidecar/internal/event"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventTerminated  EventType = "terminated"
	EventReady       EventType = "ready"
	EventStartFailed EventType = "start_failed"
)

// TypeOf maps a bus event to its history type. Output lines have none.
func TypeOf(t event.Type) (EventType, bool) {
	switch t {
	case event.ChildStarted:
		return EventStart, true
	case event.ChildStopped:
		return EventStop, true
	case event.ChildTerminated:
		return EventTerminated, true
	case event.Ready:
		return EventReady, true
	case event.StartFailed:
		return EventStartFailed, true
	default:
		return "", false
	}
}

// Record describes the child at the time of the event.
type Record struct {
	App      string `json:"app"`
	PID      int    `json:"pid"`
	Port     uint16 `json:"port,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// FromBus converts a lifecycle bus event. ok is false for output lines.
func FromBus(app string, e event.Event) (Event, bool) {
	t, ok := TypeOf(e.Type)
	if !ok {
		return Event{}, false
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       t,
		OccurredAt: at.UTC(),
		Record: Record{
			App:      app,
			PID:      e.PID,
			Port:     e.Port,
			ExitCode: e.ExitCode,
			Message:  e.Message,
		},
	}, true
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
