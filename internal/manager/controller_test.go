//go:build !windows

package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/event"
	"github.com/loykin/sidecar/internal/probe"
	"github.com/loykin/sidecar/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalCall struct {
	pid      int
	graceful bool
	at       time.Time
}

// recordingTerminator records every request and delegates to the real
// signaller unless fail is set.
type recordingTerminator struct {
	mu    sync.Mutex
	calls []signalCall
	fail  error
}

func (r *recordingTerminator) Terminate(pid int, graceful bool) error {
	r.mu.Lock()
	r.calls = append(r.calls, signalCall{pid: pid, graceful: graceful, at: time.Now()})
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail
	}
	return process.Signaler{}.Terminate(pid, graceful)
}

func (r *recordingTerminator) snapshot() []signalCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signalCall(nil), r.calls...)
}

func healthServer(t *testing.T) uint16 {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	n, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return uint16(n)
}

func newTestController(t *testing.T, script string, term process.Terminator) *Controller {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "child.sh"), []byte(script), 0o600))
	cfg := Config{
		Launch: process.Config{
			Runtime:     "/bin/sh",
			Script:      "child.sh",
			InstallPath: filepath.Join(root, "target", "debug", "app"),
		},
		Probe: probe.Config{Attempts: 30, Interval: 20 * time.Millisecond, Host: "127.0.0.1"},
	}
	opts := []Option{}
	if term != nil {
		opts = append(opts, WithTerminator(term))
	}
	c := NewController(cfg, opts...)
	t.Cleanup(c.ShutdownHook)
	return c
}

func waitFor(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func announceScript(port uint16) string {
	return fmt.Sprintf("echo booting\necho PORT=%d\nexec sleep 30\n", port)
}

func TestStopWhenNotRunningSendsNoSignal(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exit 0\n", term)

	sum, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no process running", sum.Message)
	assert.Zero(t, sum.PID)
	assert.Empty(t, term.snapshot())
}

func TestStartBecomesReadyThenStops(t *testing.T) {
	port := healthServer(t)
	term := &recordingTerminator{}
	c := newTestController(t, announceScript(port), term)
	events, cancel := c.Bus().SubscribeChan(64)
	defer cancel()

	sum, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NotZero(t, sum.PID)
	assert.Equal(t, "interpreted", sum.Mode)
	assert.Equal(t, sum.PID, c.PID(), "pid recorded when Start returns")

	started := waitFor(t, events, event.ChildStarted)
	assert.Equal(t, sum.PID, started.PID)
	ready := waitFor(t, events, event.Ready)
	assert.Equal(t, port, ready.Port)

	got, ok := c.CurrentPort()
	require.True(t, ok)
	assert.Equal(t, port, got)
	assert.Equal(t, PhaseReady, c.Phase())
	st := c.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "ready", st.Phase)

	stopped, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum.PID, stopped.PID)
	calls := term.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].graceful)
	assert.Equal(t, sum.PID, calls[0].pid)

	_, ok = c.CurrentPort()
	assert.False(t, ok)
	assert.Equal(t, PhaseStopped, c.Phase())
	gone := waitFor(t, events, event.ChildTerminated)
	assert.True(t, gone.Requested)
	assert.Zero(t, c.PID(), "late termination of the stopped child must not resurrect state")
}

func TestStartWhileRunning(t *testing.T) {
	c := newTestController(t, "exec sleep 30\n", nil)
	_, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRestartSendsOneSignalAndSettles(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exec sleep 30\n", term)
	dataDir := t.TempDir()
	events, cancel := c.Bus().SubscribeChan(16)
	defer cancel()

	first, err := c.Start(context.Background(), process.LaunchRequest{DataDir: dataDir})
	require.NoError(t, err)

	second, err := c.Restart(context.Background(), process.LaunchRequest{DataDir: dataDir})
	require.NoError(t, err)

	old := waitFor(t, events, event.ChildTerminated)
	assert.Equal(t, first.PID, old.PID)
	assert.True(t, old.Requested, "restart must not look like the child exiting on its own")

	calls := term.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, first.PID, calls[0].pid)
	assert.NotEqual(t, first.PID, second.PID)
	assert.GreaterOrEqual(t, second.StartedAt.Sub(calls[0].at), DefaultSettleDelay)
	assert.Equal(t, second.PID, c.PID())
}

func TestRestartWhenStoppedJustStarts(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exec sleep 30\n", term)
	sum, err := c.Restart(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotZero(t, sum.PID)
	assert.Empty(t, term.snapshot())
}

func TestShutdownHookGracefulThenForceful(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exec sleep 30\n", term)
	sum, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	c.ShutdownHook()

	calls := term.snapshot()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].graceful)
	assert.False(t, calls[1].graceful)
	assert.Equal(t, sum.PID, calls[0].pid)
	assert.Equal(t, sum.PID, calls[1].pid)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), DefaultShutdownGrace)
	assert.Zero(t, c.PID())
	assert.Equal(t, PhaseStopped, c.Phase())
}

func TestShutdownHookWithoutChild(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exit 0\n", term)
	c.ShutdownHook()
	assert.Empty(t, term.snapshot())
}

func TestStartDefaultDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	c := newTestController(t, "exec sleep 30\n", nil)

	sum, err := c.Start(context.Background(), process.LaunchRequest{})
	require.NoError(t, err)
	want := filepath.Join(home, process.DefaultHomeDirName)
	assert.Equal(t, want, sum.DataDir)
	for _, sub := range process.DefaultSubDirs {
		assert.DirExists(t, filepath.Join(want, sub))
	}
}

func TestPortNeverAnnouncedKeepsChild(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "child.sh"), []byte("exec sleep 30\n"), 0o600))
	c := NewController(Config{
		Launch: process.Config{Runtime: "/bin/sh", Script: "child.sh", InstallPath: filepath.Join(root, "target", "debug", "app")},
		Probe:  probe.Config{Attempts: 3, Interval: 10 * time.Millisecond, Host: "127.0.0.1"},
	})
	t.Cleanup(c.ShutdownHook)
	events, cancel := c.Bus().SubscribeChan(16)
	defer cancel()

	sum, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	failed := waitFor(t, events, event.StartFailed)
	assert.Equal(t, sum.PID, failed.PID)
	assert.Contains(t, failed.Message, "never announced")
	assert.Equal(t, sum.PID, c.PID(), "health timeout must not kill the child")
}

func TestChildExitClearsState(t *testing.T) {
	c := newTestController(t, "echo PORT=1\nexit 4\n", nil)
	events, cancel := c.Bus().SubscribeChan(16)
	defer cancel()

	_, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	term := waitFor(t, events, event.ChildTerminated)
	require.NotNil(t, term.ExitCode)
	assert.Equal(t, 4, *term.ExitCode)
	assert.False(t, term.Requested)
	assert.Zero(t, c.PID())
	_, ok := c.CurrentPort()
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return c.Phase() == PhaseStopped }, time.Second, 10*time.Millisecond)
}

func TestStopSignalFailureKeepsState(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exec sleep 30\n", term)
	sum, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	term.mu.Lock()
	term.fail = errors.New("operation not permitted")
	term.mu.Unlock()

	_, err = c.Stop(context.Background())
	assert.ErrorIs(t, err, process.ErrSignalFailed)
	assert.Equal(t, sum.PID, c.PID())

	term.mu.Lock()
	term.fail = nil
	term.mu.Unlock()
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
}

func TestStopTreatsGoneProcessAsStopped(t *testing.T) {
	term := &recordingTerminator{}
	c := newTestController(t, "exec sleep 30\n", term)
	sum, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = process.Signaler{}.Terminate(sum.PID, false) }()

	term.mu.Lock()
	term.fail = process.ErrProcessGone
	term.mu.Unlock()

	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Zero(t, c.PID())
}

func TestSpawnFailure(t *testing.T) {
	c := NewController(Config{
		Launch: process.Config{Binary: "does-not-exist", InstallPath: filepath.Join(t.TempDir(), "app")},
	})
	t.Cleanup(c.ShutdownHook)
	events, cancel := c.Bus().SubscribeChan(4)
	defer cancel()

	_, err := c.Start(context.Background(), process.LaunchRequest{DataDir: t.TempDir()})
	assert.ErrorIs(t, err, process.ErrSpawnFailed)
	assert.Equal(t, PhaseStopped, c.Phase())
	assert.Zero(t, c.PID())
	waitFor(t, events, event.StartFailed)
}
