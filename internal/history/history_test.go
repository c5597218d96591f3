package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestFromBusSkipsOutput(t *testing.T) {
	_, ok := FromBus("app", event.Output(1, "line", event.Stdout))
	assert.False(t, ok)
	_, ok = FromBus("app", event.Output(1, "line", event.Stderr))
	assert.False(t, ok)

	code := 2
	e, ok := FromBus("app", event.Terminated(7, &code))
	require.True(t, ok)
	assert.Equal(t, EventTerminated, e.Type)
	assert.Equal(t, "app", e.Record.App)
	assert.Equal(t, 7, e.Record.PID)
	assert.Equal(t, 2, *e.Record.ExitCode)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
}

func TestTypeOfCoversLifecycleEvents(t *testing.T) {
	for in, want := range map[event.Type]EventType{
		event.ChildStarted:    EventStart,
		event.ChildStopped:    EventStop,
		event.ChildTerminated: EventTerminated,
		event.Ready:           EventReady,
		event.StartFailed:     EventStartFailed,
	} {
		got, ok := TypeOf(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
}

func TestRecorderForwardsLifecycleEvents(t *testing.T) {
	bus := event.NewBus(nil)
	sink := &memSink{}
	rec := NewRecorder("app", nil, sink)
	rec.Attach(bus)

	bus.Publish(event.Started(10))
	bus.Publish(event.Output(10, "PORT=1", event.Stdout))
	bus.Publish(event.ReadyOn(10, 1))
	bus.Publish(event.Failed(11, "timed out"))
	require.NoError(t, rec.Close())

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, EventStart, got[0].Type)
	assert.Equal(t, EventReady, got[1].Type)
	assert.Equal(t, uint16(1), got[1].Record.Port)
	assert.Equal(t, EventStartFailed, got[2].Type)
	assert.Equal(t, "timed out", got[2].Record.Message)
	assert.True(t, sink.closed)

	// events after Close are ignored
	bus.Publish(event.Stopped(10))
	assert.Len(t, sink.snapshot(), 3)
	assert.NoError(t, rec.Close())
}

func TestRecorderSinkErrorsDoNotStopDelivery(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	rec := NewRecorder("app", nil, bad, good)
	rec.Handle(event.Started(1))
	rec.Handle(event.Stopped(1))
	require.NoError(t, rec.Close())

	assert.Len(t, bad.snapshot(), 2)
	assert.Len(t, good.snapshot(), 2)
	assert.Zero(t, rec.Dropped())
}

func TestRecorderWithoutSinks(t *testing.T) {
	rec := NewRecorder("app", nil)
	rec.Handle(event.Started(1))
	assert.NoError(t, rec.Close())
}
