// Package relay forwards a child's output to the event bus and keeps the
// shared state in step with what the child announces.
package relay

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/loykin/sidecar/internal/event"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/state"
)

// PortPrefix starts the readiness announcement line on stdout.
const PortPrefix = "PORT="

// ParsePort extracts the port from an announcement line. Whitespace around the
// line is ignored; anything else, including port 0, is not an announcement.
func ParsePort(line string) (uint16, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, PortPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(s[len(PortPrefix):], 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}

// Relay consumes one child's stream.
type Relay struct {
	st  *state.State
	bus *event.Bus
	log *slog.Logger

	// OnPort, when set, is called after a port has been recorded.
	OnPort func(pid int, port uint16)
	// OnExit, when set, is called after the state was cleared and before the
	// termination event is published.
	OnExit func(pid int, exitCode *int, cleared bool)
	// Requested, when set, reports whether the supervisor asked pid to stop.
	Requested func(pid int) bool
}

func New(st *state.State, bus *event.Bus, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{st: st, bus: bus, log: log}
}

// Run blocks until the child's stream is exhausted and returns its exit code.
func (r *Relay) Run(c *process.Child) *int {
	for o := range c.Output() {
		if o.Exited {
			r.exited(c.PID, o)
			return o.ExitCode
		}
		r.line(c.PID, o)
	}
	return nil
}

func (r *Relay) line(pid int, o process.Output) {
	if o.Stream == event.Stdout {
		if port, ok := ParsePort(o.Line); ok {
			if r.st.SetPort(pid, port) {
				r.log.Info("sidecar announced port", "pid", pid, "port", port)
				if r.OnPort != nil {
					r.OnPort(pid, port)
				}
			} else {
				r.log.Debug("ignoring port from stale child", "pid", pid, "port", port)
			}
		}
	}
	r.bus.Publish(event.Output(pid, o.Line, o.Stream))
}

func (r *Relay) exited(pid int, o process.Output) {
	cleared := r.st.ClearIf(pid)
	attrs := []any{"pid", pid, "cleared", cleared}
	if o.ExitCode != nil {
		attrs = append(attrs, "exit_code", *o.ExitCode)
	}
	if o.Err != nil {
		attrs = append(attrs, "error", o.Err)
	}
	r.log.Info("sidecar terminated", attrs...)
	if r.OnExit != nil {
		r.OnExit(pid, o.ExitCode, cleared)
	}
	if r.Requested != nil && r.Requested(pid) {
		r.bus.Publish(event.RequestedTermination(pid, o.ExitCode))
		return
	}
	r.bus.Publish(event.Terminated(pid, o.ExitCode))
}
