package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/detector"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/event"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/probe"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/state"
)

const (
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultShutdownGrace = 100 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start while a child is recorded.
var ErrAlreadyRunning = errors.New("sidecar already running")

// LifecycleConfig holds the timing of restart and shutdown.
type LifecycleConfig struct {
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Config configures a Controller.
type Config struct {
	Launch           process.Config
	Probe            probe.Config
	Lifecycle        LifecycleConfig
	PreferredDataDir string
}

// Summary reports the result of a lifecycle operation.
type Summary struct {
	PID       int       `json:"pid,omitempty"`
	DataDir   string    `json:"data_directory,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Message   string    `json:"message"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Phase     string    `json:"phase"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      uint16    `json:"port,omitempty"`
	DataDir   string    `json:"data_directory,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Option customizes a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option           { return func(c *Controller) { c.log = l } }
func WithBus(b *event.Bus) Option                { return func(c *Controller) { c.bus = b } }
func WithState(s *state.State) Option            { return func(c *Controller) { c.st = s } }
func WithTerminator(t process.Terminator) Option { return func(c *Controller) { c.term = t } }
func WithEnv(e *env.Env) Option                  { return func(c *Controller) { c.env = e } }

// Controller owns the sidecar child: it launches it, watches its output and
// readiness, and stops it. Lifecycle operations are serialized.
type Controller struct {
	opMu sync.Mutex

	st       *state.State
	bus      *event.Bus
	term     process.Terminator
	env      *env.Env
	log      *slog.Logger
	launcher *process.Launcher
	prober   *probe.Prober
	settle   time.Duration
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// phase, phasePID and child are guarded by phaseMu. Outcomes of a relay or
	// probe apply only while their pid is the one phasePID names.
	phaseMu  sync.Mutex
	phase    Phase
	phasePID int
	child    *process.Child

	// stopping holds pids signalled by Stop, Restart or ShutdownHook until
	// their relay reports the exit.
	stopMu   sync.Mutex
	stopping map[int]struct{}
}

func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{stopping: make(map[int]struct{})}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.st == nil {
		c.st = state.New()
	}
	if c.bus == nil {
		c.bus = event.NewBus(c.log)
	}
	if c.term == nil {
		c.term = process.Signaler{}
	}
	c.settle = cfg.Lifecycle.SettleDelay
	if c.settle <= 0 {
		c.settle = DefaultSettleDelay
	}
	c.grace = cfg.Lifecycle.ShutdownGrace
	if c.grace <= 0 {
		c.grace = DefaultShutdownGrace
	}
	c.launcher = process.NewLauncher(cfg.Launch, c.st, c.env, c.term, c.log)
	c.launcher.SetPreferredDataDir(cfg.PreferredDataDir)
	c.prober = probe.New(cfg.Probe, c.log)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	metrics.SetCurrentPhase(PhaseStopped.String(), true)
	return c
}

// Bus returns the event bus the controller publishes to.
func (c *Controller) Bus() *event.Bus { return c.bus }

// State returns the shared child state.
func (c *Controller) State() *state.State { return c.st }

// Launcher returns the launcher, e.g. to resolve the effective data directory.
func (c *Controller) Launcher() *process.Launcher { return c.launcher }

// CurrentPort returns the port announced by the running child.
func (c *Controller) CurrentPort() (uint16, bool) { return c.st.Port() }

// PID returns the pid of the running child, or 0.
func (c *Controller) PID() int { return c.st.PID() }

func (c *Controller) Phase() Phase {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	return c.phase
}

func (c *Controller) Status() Status {
	snap := c.st.Snapshot()
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	s := Status{Phase: c.phase.String(), Running: snap.Running(), PID: snap.PID, Port: snap.Port}
	if c.child != nil && c.child.PID == snap.PID {
		s.DataDir = c.child.DataDir
		s.Mode = c.child.Mode.String()
		s.StartedAt = c.child.StartedAt
	}
	return s
}

// Start launches the child and returns once it is spawned. Readiness is
// reported asynchronously through a ready or start-failed event.
func (c *Controller) Start(ctx context.Context, req process.LaunchRequest) (Summary, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx, req)
}

func (c *Controller) startLocked(ctx context.Context, req process.LaunchRequest) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if pid := c.st.PID(); pid != 0 {
		return Summary{PID: pid}, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	c.setPhase(0, PhaseStarting)

	child, err := c.launcher.Launch(req)
	if err != nil {
		c.setPhase(0, PhaseStopped)
		metrics.IncSpawnFailure(failureReason(err))
		c.log.Error("sidecar start failed", "error", err)
		c.bus.Publish(event.Failed(0, err.Error()))
		return Summary{}, err
	}

	c.phaseMu.Lock()
	c.child = child
	c.phaseMu.Unlock()
	c.setPhase(child.PID, PhaseProbing)

	metrics.IncStart(child.Mode.String())
	c.bus.Publish(event.Started(child.PID))

	r := relay.New(c.st, c.bus, c.log)
	r.OnPort = func(_ int, port uint16) { metrics.SetAnnouncedPort(port) }
	r.OnExit = c.onExit
	r.Requested = c.takeStopping

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		r.Run(child)
	}()
	go func() {
		defer c.wg.Done()
		c.awaitReady(child.PID)
	}()

	return Summary{
		PID:       child.PID,
		DataDir:   child.DataDir,
		Mode:      child.Mode.String(),
		StartedAt: child.StartedAt,
		Message:   fmt.Sprintf("sidecar started with pid %d", child.PID),
	}, nil
}

// awaitReady probes the child's health endpoint and publishes the outcome
// unless another child has replaced it meanwhile.
func (c *Controller) awaitReady(pid int) {
	out := c.prober.Probe(c.ctx, func() (uint16, bool) { return c.st.PortFor(pid) })

	c.phaseMu.Lock()
	current := c.phasePID == pid && c.st.Current(pid)
	if current && out.Kind == probe.Ready {
		c.setPhaseLocked(PhaseReady)
	}
	c.phaseMu.Unlock()

	switch {
	case !current:
		c.log.Debug("dropping probe outcome of replaced sidecar", "pid", pid, "outcome", out.Kind.String())
	case out.Kind == probe.Ready:
		c.log.Info("sidecar ready", "pid", pid, "port", out.Port, "attempt", out.Attempts)
		c.bus.Publish(event.ReadyOn(pid, out.Port))
	case out.Kind == probe.Canceled:
		c.log.Debug("readiness probe canceled", "pid", pid)
	default:
		// the child keeps running; callers decide whether to restart it
		c.log.Warn("sidecar did not become ready", "pid", pid, "outcome", out.Kind.String(), "attempt", out.Attempts)
		c.bus.Publish(event.Failed(pid, out.Message()))
	}
}

func (c *Controller) onExit(pid int, exitCode *int, cleared bool) {
	metrics.IncTermination(exitCode)
	if !cleared {
		return
	}
	metrics.SetAnnouncedPort(0)
	c.setPhase(pid, PhaseStopped)
}

// Stop forcefully terminates the running child. Stopping with nothing
// running succeeds without sending a signal.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(_ context.Context) (Summary, error) {
	snap := c.st.Snapshot()
	if !snap.Running() {
		return Summary{Message: "no process running"}, nil
	}
	pid := snap.PID

	if (detector.PIDDetector{PID: pid, Identity: snap.Identity}).Reused() {
		c.log.Warn("recorded sidecar pid now belongs to another process, not signalling", "pid", pid)
	} else {
		c.markStopping(pid)
		if err := c.term.Terminate(pid, false); err != nil && !errors.Is(err, process.ErrProcessGone) {
			c.takeStopping(pid)
			c.log.Error("failed to stop sidecar", "pid", pid, "error", err)
			return Summary{PID: pid}, fmt.Errorf("%w: pid %d: %v", process.ErrSignalFailed, pid, err)
		}
	}

	c.st.ClearIf(pid)
	metrics.SetAnnouncedPort(0)
	c.setPhase(pid, PhaseStopped)
	metrics.IncStop("stop")
	c.log.Info("sidecar stopped", "pid", pid)
	c.bus.Publish(event.Stopped(pid))
	return Summary{PID: pid, Message: fmt.Sprintf("sidecar with pid %d stopped", pid)}, nil
}

// Restart stops the running child, waits for the settle delay so the old
// process can release its port, then starts a new one.
func (c *Controller) Restart(ctx context.Context, req process.LaunchRequest) (Summary, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	metrics.IncRestart()
	if _, err := c.stopLocked(ctx); err != nil {
		return Summary{}, err
	}
	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case <-t.C:
	}
	return c.startLocked(ctx, req)
}

// ShutdownHook terminates the child on application exit: graceful signal,
// grace period, forceful signal, state cleared. It never fails; signal errors
// are logged.
func (c *Controller) ShutdownHook() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	snap := c.st.Snapshot()
	if snap.Running() {
		pid := snap.PID
		if (detector.PIDDetector{PID: pid, Identity: snap.Identity}).Reused() {
			c.log.Warn("recorded sidecar pid now belongs to another process, not signalling", "pid", pid)
		} else {
			c.markStopping(pid)
			c.signal(pid, true)
			time.Sleep(c.grace)
			c.signal(pid, false)
		}
		c.st.ClearIf(pid)
		metrics.SetAnnouncedPort(0)
		c.setPhase(pid, PhaseStopped)
		metrics.IncStop("shutdown")
		c.log.Info("sidecar shut down", "pid", pid)
		c.bus.Publish(event.Stopped(pid))
	}
	c.cancel()
	c.waitIdle(2 * time.Second)
}

func (c *Controller) markStopping(pid int) {
	c.stopMu.Lock()
	c.stopping[pid] = struct{}{}
	c.stopMu.Unlock()
}

// takeStopping reports whether pid was signalled by the controller and
// forgets it.
func (c *Controller) takeStopping(pid int) bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	_, ok := c.stopping[pid]
	delete(c.stopping, pid)
	return ok
}

func (c *Controller) signal(pid int, graceful bool) {
	err := c.term.Terminate(pid, graceful)
	switch {
	case err == nil:
	case errors.Is(err, process.ErrProcessGone):
		c.log.Debug("sidecar already gone", "pid", pid, "graceful", graceful)
	default:
		c.log.Warn("failed to signal sidecar", "pid", pid, "graceful", graceful, "error", err)
	}
}

// waitIdle waits for relay and probe goroutines, bounded by d since a
// grandchild holding the output pipes can keep a relay alive.
func (c *Controller) waitIdle(d time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		c.log.Warn("sidecar output still open after shutdown")
	}
}

// setPhase transitions to p. pid 0 applies unconditionally and adopts no
// child; otherwise the change applies only when pid is the tracked child, or
// when moving a new child into Probing.
func (c *Controller) setPhase(pid int, p Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	switch {
	case pid == 0:
		c.phasePID = 0
	case p == PhaseProbing:
		c.phasePID = pid
	case c.phasePID != pid:
		return
	}
	c.setPhaseLocked(p)
}

func (c *Controller) setPhaseLocked(p Phase) {
	old := c.phase
	if old == p {
		return
	}
	c.phase = p
	metrics.RecordStateTransition(old.String(), p.String())
	metrics.SetCurrentPhase(old.String(), false)
	metrics.SetCurrentPhase(p.String(), true)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, process.ErrDirectoryCreateFailed):
		return "directory"
	case errors.Is(err, process.ErrSpawnFailed):
		return "spawn"
	default:
		return "other"
	}
}
