// Package sidecar supervises a single helper process for a host application:
// it launches the child, learns the port it announces, probes its health
// endpoint and tears it down on request or on exit.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/event"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	iapi "github.com/loykin/sidecar/internal/server"
	itls "github.com/loykin/sidecar/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.Config

type Settings = config.Settings

type Event = event.Event

type EventType = event.Type

type LaunchRequest = process.LaunchRequest

type Summary = manager.Summary

type Status = manager.Status

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	OutputLine      = event.OutputLine
	ErrorLine       = event.ErrorLine
	ChildTerminated = event.ChildTerminated
	Ready           = event.Ready
	StartFailed     = event.StartFailed
	ChildStarted    = event.ChildStarted
	ChildStopped    = event.ChildStopped
)

var (
	ErrAlreadyRunning        = manager.ErrAlreadyRunning
	ErrSpawnFailed           = process.ErrSpawnFailed
	ErrDirectoryCreateFailed = process.ErrDirectoryCreateFailed
	ErrSignalFailed          = process.ErrSignalFailed
)

// LoadConfig reads a TOML config file; an empty path uses defaults and env.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option customizes a Supervisor.
type Option func(*options)

type options struct {
	log        *slog.Logger
	sinks      []history.Sink
	registerer prometheus.Registerer
	term       process.Terminator
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithHistorySinks adds sinks next to the ones built from history.dsns.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithTerminator replaces the platform signaller used to stop the child.
func WithTerminator(t process.Terminator) Option { return func(o *options) { o.term = t } }

// Supervisor is the public facade over the controller and its satellites.
type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	ctl   *manager.Controller
	rec   *history.Recorder
	hist  iapi.HistoryReader
	usage *metrics.UsageCollector

	cancel context.CancelFunc
}

// New wires a Supervisor from cfg. The child is not started.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}

	childEnv, err := cfg.ChildEnv()
	if err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	launch := cfg.Launch
	launch.Env = childEnv

	settings := config.LoadSettings(cfg.App.ID, o.log)

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	sinks = append(sinks, o.sinks...)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	ctlOpts := []manager.Option{manager.WithLogger(o.log)}
	if o.term != nil {
		ctlOpts = append(ctlOpts, manager.WithTerminator(o.term))
	}
	ctl := manager.NewController(manager.Config{
		Launch:           launch,
		Probe:            cfg.Probe,
		Lifecycle:        cfg.Lifecycle,
		PreferredDataDir: settings.DataDirectory,
	}, ctlOpts...)

	s := &Supervisor{cfg: *cfg, log: o.log, ctl: ctl}
	if len(sinks) > 0 {
		s.rec = history.NewRecorder(cfg.App.ID, o.log, sinks...)
		s.rec.Attach(ctl.Bus())
		for _, sk := range sinks {
			if r, ok := sk.(iapi.HistoryReader); ok {
				s.hist = r
				break
			}
		}
	}

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.Metrics.Enabled && cfg.Metrics.Usage.Enabled {
		s.usage = metrics.NewUsageCollector(cfg.Metrics.Usage, o.log)
		if err := s.usage.RegisterMetrics(o.registerer); err != nil {
			o.log.Warn("failed to register usage metrics", "error", err)
		}
		s.usage.Start(ctx, ctl.PID)
	}
	return s, nil
}

func closeSinks(sinks []history.Sink) {
	for _, sk := range sinks {
		if c, ok := sk.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

func (s *Supervisor) Start(ctx context.Context, req LaunchRequest) (Summary, error) {
	return s.ctl.Start(ctx, req)
}

func (s *Supervisor) Stop(ctx context.Context) (Summary, error) { return s.ctl.Stop(ctx) }

func (s *Supervisor) Restart(ctx context.Context, req LaunchRequest) (Summary, error) {
	return s.ctl.Restart(ctx, req)
}

// CurrentPort returns the port announced by the running child, if any.
func (s *Supervisor) CurrentPort() (uint16, bool) { return s.ctl.CurrentPort() }

func (s *Supervisor) Status() Status { return s.ctl.Status() }

func (s *Supervisor) Bus() *event.Bus { return s.ctl.Bus() }

// Subscribe registers h for every event; it runs on the publishing goroutine.
func (s *Supervisor) Subscribe(h func(Event)) string { return s.ctl.Bus().Subscribe(h) }

func (s *Supervisor) Unsubscribe(id string) bool { return s.ctl.Bus().Unsubscribe(id) }

// Events returns a buffered channel of events and its cancel func.
func (s *Supervisor) Events(size int) (<-chan Event, func()) { return s.ctl.Bus().SubscribeChan(size) }

// History returns the queryable history sink, or nil when none is configured.
func (s *Supervisor) History() iapi.HistoryReader { return s.hist }

// Usage returns the latest resource sample of the child, if sampling is on.
func (s *Supervisor) Usage() (metrics.Usage, bool) {
	if s.usage == nil {
		return metrics.Usage{}, false
	}
	u := s.usage.Last()
	return u, u.PID != 0
}

// DataDirectory resolves the directory the next start would use.
func (s *Supervisor) DataDirectory(req LaunchRequest) (string, error) {
	return s.ctl.Launcher().DataDir(req)
}

// SetDataDirectory persists dir as the preferred data directory and uses it
// for subsequent starts. An empty dir clears the preference.
func (s *Supervisor) SetDataDirectory(dir string) error {
	path, err := config.SettingsPath(s.cfg.App.ID)
	if err != nil {
		return err
	}
	if err := config.WriteSettings(path, Settings{DataDirectory: dir}); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.ctl.Launcher().SetPreferredDataDir(dir)
	return nil
}

// Handler returns the HTTP control API mounted under basePath, guarded by
// server.token when one is configured.
func (s *Supervisor) Handler(basePath string) http.Handler {
	return s.router(basePath).Handler()
}

func (s *Supervisor) router(basePath string) *iapi.Router {
	return iapi.NewRouter(s.ctl, s.hist, basePath).RequireToken(s.cfg.Server.Token)
}

// ShutdownHook stops the child (graceful, then forceful) and releases the
// history and metrics workers. Call it once when the host application exits.
func (s *Supervisor) ShutdownHook() {
	s.ctl.ShutdownHook()
	s.cancel()
	if s.usage != nil {
		s.usage.Stop()
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.Warn("closing history failed", "error", err)
		}
	}
}

// Serve starts the control API on server.listen, over HTTPS when server.tls
// is enabled. Close the returned server to stop it.
func (s *Supervisor) Serve() (*http.Server, error) {
	tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("control API TLS: %w", err)
	}
	srv := iapi.NewServer(s.cfg.Server.Listen, s.router(s.cfg.Server.BasePath), tlsCfg, func(err error) {
		s.log.Error("control API server error", "error", err)
	})
	return srv, nil
}

// NewMetricsServer returns an unstarted server exposing /metrics from the
// default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
