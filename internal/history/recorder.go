package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/event"
)

// Recorder forwards lifecycle events from the bus to sinks on its own
// goroutine so a slow database never delays the relay.
type Recorder struct {
	app     string
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	queue chan Event
	once  sync.Once
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewRecorder(app string, log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		app:     app,
		sinks:   append([]Sink(nil), sinks...),
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan Event, 256),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Attach subscribes the recorder to bus and returns the subscription id.
func (r *Recorder) Attach(bus *event.Bus) string {
	return bus.Subscribe(r.Handle)
}

// Handle queues a bus event; output lines are ignored.
func (r *Recorder) Handle(e event.Event) {
	he, ok := FromBus(r.app, e)
	if !ok || len(r.sinks) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- he:
	default:
		r.dropped++
		r.log.Warn("history queue full, dropping event", "type", he.Type, "pid", he.Record.PID)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "pid", e.Record.PID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, then closes sinks implementing io.Closer.
func (r *Recorder) Close() error {
	var first error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	})
	return first
}
