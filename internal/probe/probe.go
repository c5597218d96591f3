// Package probe polls the sidecar's health endpoint until it answers.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loykin/sidecar/internal/metrics"
)

const (
	DefaultAttempts       = 30
	DefaultInterval       = 200 * time.Millisecond
	DefaultHost           = "localhost"
	DefaultPath           = "/api/health"
	DefaultRequestTimeout = time.Second
)

// Kind classifies a probe result.
type Kind int

const (
	Ready Kind = iota
	TimedOut
	PortNeverAnnounced
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case PortNeverAnnounced:
		return "port_never_announced"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one probe run. Port is the last port seen.
type Outcome struct {
	Kind     Kind
	Port     uint16
	Attempts int
	Elapsed  time.Duration
}

// Message renders a human readable description for start-failed events.
func (o Outcome) Message() string {
	switch o.Kind {
	case Ready:
		return fmt.Sprintf("sidecar ready on port %d", o.Port)
	case TimedOut:
		return fmt.Sprintf("sidecar on port %d did not become healthy after %d attempts", o.Port, o.Attempts)
	case PortNeverAnnounced:
		return fmt.Sprintf("sidecar never announced a port after %d attempts", o.Attempts)
	default:
		return "readiness probe canceled"
	}
}

// Config holds the probe tunables.
type Config struct {
	Attempts       int           `mapstructure:"attempts"`
	Interval       time.Duration `mapstructure:"interval"`
	Host           string        `mapstructure:"host"`
	Path           string        `mapstructure:"path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PortFunc reports the port currently announced by the probed child.
type PortFunc func() (uint16, bool)

// Prober performs bounded readiness polling.
type Prober struct {
	Client         *http.Client
	Attempts       int
	Interval       time.Duration
	Host           string
	Path           string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// New builds a Prober from cfg, filling zero fields with defaults.
func New(cfg Config, log *slog.Logger) *Prober {
	p := &Prober{
		Attempts:       cfg.Attempts,
		Interval:       cfg.Interval,
		Host:           cfg.Host,
		Path:           cfg.Path,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	}
	p.defaults()
	return p
}

func (p *Prober) defaults() {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Host == "" {
		p.Host = DefaultHost
	}
	if p.Path == "" {
		p.Path = DefaultPath
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.Client == nil {
		p.Client = &http.Client{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// URL returns the health endpoint for port.
func (p *Prober) URL(port uint16) string {
	return "http://" + net.JoinHostPort(p.Host, strconv.Itoa(int(port))) + p.Path
}

// Probe polls until the endpoint answers 2xx or the attempt budget is spent.
// Attempts without an announced port count toward the budget. The wait
// between attempts ends early when ctx is done.
func (p *Prober) Probe(ctx context.Context, portFn PortFunc) Outcome {
	p.defaults()
	start := time.Now()
	var (
		seen bool
		last uint16
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		metrics.IncProbeAttempt()
		if port, ok := portFn(); ok {
			seen, last = true, port
			if p.Check(ctx, port) {
				return p.finish(Outcome{Kind: Ready, Port: port, Attempts: attempt}, start)
			}
		}
		if attempt == p.Attempts {
			break
		}
		timer.Reset(p.Interval)
		select {
		case <-ctx.Done():
			return p.finish(Outcome{Kind: Canceled, Port: last, Attempts: attempt}, start)
		case <-timer.C:
		}
	}
	kind := PortNeverAnnounced
	if seen {
		kind = TimedOut
	}
	return p.finish(Outcome{Kind: kind, Port: last, Attempts: p.Attempts}, start)
}

func (p *Prober) finish(o Outcome, start time.Time) Outcome {
	o.Elapsed = time.Since(start)
	metrics.ObserveProbe(o.Kind.String(), o.Elapsed.Seconds())
	p.Logger.Debug("readiness probe finished", "outcome", o.Kind.String(), "port", o.Port, "attempt", o.Attempts, "elapsed", o.Elapsed)
	return o
}

// Check performs a single health request and reports whether it returned 2xx.
func (p *Prober) Check(ctx context.Context, port uint16) bool {
	p.defaults()
	ctx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(port), nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Debug("health request failed", "port", port, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
