package event

import (
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/loykin/sidecar/internal/metrics"
)

// Handler receives published events. It is called on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous multi-consumer event bus. Publish delivers to every
// subscriber in registration order before returning, so a listener sees a
// line as soon as the relay reads it.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	log     *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers h and returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(h Handler) string {
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()
	return id
}

// SubscribeChan returns a channel receiving every event and a cancel func.
// When the buffer is full, output lines are dropped for this subscriber only
// and counted; lifecycle events are queued without bound and delivered in
// publish order. Call cancel to release the subscription.
func (b *Bus) SubscribeChan(size int) (<-chan Event, func()) {
	cs := &chanSub{
		ch:   make(chan Event, size),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go cs.forward()
	id := b.Subscribe(func(e Event) {
		if !cs.offer(e) {
			b.dropped.Add(1)
			metrics.IncEventDropped(string(e.Type))
			b.log.Debug("event subscriber buffer full, dropping output", "type", e.Type, "pid", e.PID)
		}
	})
	var once sync.Once
	return cs.ch, func() {
		once.Do(func() {
			b.Unsubscribe(id)
			cs.close()
		})
	}
}

// chanSub feeds one channel subscriber. pending holds lifecycle events that
// did not fit into ch; while it is non-empty every new event goes through it
// so ordering is kept.
type chanSub struct {
	mu      sync.Mutex
	ch      chan Event
	pending []Event
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// offer delivers or queues e. It returns false when e was dropped.
func (cs *chanSub) offer(e Event) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return true
	}
	if len(cs.pending) == 0 {
		select {
		case cs.ch <- e:
			return true
		default:
		}
	}
	if !e.Lifecycle() {
		return false
	}
	cs.pending = append(cs.pending, e)
	select {
	case cs.wake <- struct{}{}:
	default:
	}
	return true
}

func (cs *chanSub) forward() {
	defer close(cs.done)
	for {
		select {
		case <-cs.quit:
			return
		case <-cs.wake:
		}
		for {
			cs.mu.Lock()
			if len(cs.pending) == 0 {
				cs.mu.Unlock()
				break
			}
			e := cs.pending[0]
			cs.mu.Unlock()

			select {
			case cs.ch <- e:
			case <-cs.quit:
				return
			}
			cs.mu.Lock()
			if cs.closed {
				cs.mu.Unlock()
				return
			}
			cs.pending[0] = Event{}
			cs.pending = cs.pending[1:]
			cs.mu.Unlock()
		}
	}
}

// close stops the forwarder before closing ch so no send races the close.
func (cs *chanSub) close() {
	cs.mu.Lock()
	cs.closed = true
	cs.pending = nil
	cs.mu.Unlock()
	close(cs.quit)
	<-cs.done
	close(cs.ch)
}

// Unsubscribe removes a subscription; it reports whether id was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish dispatches e to all subscribers. A panicking handler is logged and
// does not prevent delivery to the others.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(s.handler, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "type", e.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(e)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many output events channel subscribers have missed.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
