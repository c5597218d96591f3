//go:build !windows

package sidecar

import (
	"context"
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

	"github.com/loykin/sidecar/internal/history"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthPort(t *testing.T) uint16 {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	n, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return uint16(n)
}

// testConfig points the launcher at a shell script in a fake development tree
// and keeps settings inside a temp config dir.
func testConfig(t *testing.T, script string) *Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "child.sh"), []byte(script), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.App.ID = "sidecar-test"
	cfg.Launch.Runtime = "/bin/sh"
	cfg.Launch.Script = "child.sh"
	cfg.Launch.InstallPath = filepath.Join(root, "target", "debug", "app")
	cfg.Probe.Host = "127.0.0.1"
	cfg.Probe.Interval = 20 * time.Millisecond
	return cfg
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
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

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSupervisorLifecycle(t *testing.T) {
	port := healthPort(t)
	cfg := testConfig(t, fmt.Sprintf("echo PORT=%d\necho \"data=$DATA_DIR\"\nexec sleep 30\n", port))
	cfg.Launch.Env = []string{"GREETING=hi"}

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	events, cancel := s.Events(64)
	defer cancel()
	var (
		mu    sync.Mutex
		lines []string
	)
	id := s.Subscribe(func(e Event) {
		if e.Type == OutputLine {
			mu.Lock()
			lines = append(lines, e.Line)
			mu.Unlock()
		}
	})

	dataDir := t.TempDir()
	sum, err := s.Start(context.Background(), LaunchRequest{DataDir: dataDir})
	require.NoError(t, err)
	assert.Equal(t, dataDir, sum.DataDir)

	ready := waitEvent(t, events, Ready)
	assert.Equal(t, sum.PID, ready.PID)
	assert.Equal(t, port, ready.Port)

	got, ok := s.CurrentPort()
	require.True(t, ok)
	assert.Equal(t, port, got)
	assert.Equal(t, "ready", s.Status().Phase)

	_, err = s.Start(context.Background(), LaunchRequest{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
	waitEvent(t, events, ChildStopped)
	_, ok = s.CurrentPort()
	assert.False(t, ok)

	assert.True(t, s.Unsubscribe(id))
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lines, fmt.Sprintf("PORT=%d", port))
}

func TestSupervisorHistoryAndMetrics(t *testing.T) {
	port := healthPort(t)
	cfg := testConfig(t, fmt.Sprintf("echo PORT=%d\nexec sleep 30\n", port))
	cfg.History.DSNs = []string{"sqlite://" + filepath.Join(t.TempDir(), "history.db")}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Usage.Enabled = true
	cfg.Metrics.Usage.Interval = 20 * time.Millisecond

	reg := prometheus.NewRegistry()
	s, err := New(cfg, WithRegisterer(reg))
	require.NoError(t, err)
	defer s.ShutdownHook()
	require.NotNil(t, s.History())

	events, cancel := s.Events(64)
	defer cancel()
	_, err = s.Start(context.Background(), LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)
	waitEvent(t, events, Ready)

	require.Eventually(t, func() bool {
		evs, err := s.History().Recent(context.Background(), 10)
		if err != nil || len(evs) == 0 {
			return false
		}
		return evs[0].Type == history.EventReady
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		u, ok := s.Usage()
		return ok && u.PID != 0
	}, 5*time.Second, 20*time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["sidecar_child_memory_rss_bytes"])
}

func TestSupervisorRejectsBadHistoryDSN(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	cfg.History.DSNs = []string{"ftp://nope"}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestSetDataDirectoryPersists(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	preferred := filepath.Join(t.TempDir(), "chosen")
	require.NoError(t, s.SetDataDirectory(preferred))

	dir, err := s.DataDirectory(LaunchRequest{})
	require.NoError(t, err)
	assert.Equal(t, preferred, dir)

	// a fresh supervisor picks the saved preference up from settings.json
	s2, err := New(cfg)
	require.NoError(t, err)
	defer s2.ShutdownHook()
	dir, err = s2.DataDirectory(LaunchRequest{})
	require.NoError(t, err)
	assert.Equal(t, preferred, dir)

	// an explicit request still wins
	explicit := t.TempDir()
	dir, err = s2.DataDirectory(LaunchRequest{DataDir: explicit})
	require.NoError(t, err)
	assert.Equal(t, explicit, dir)
}

func TestHandlerServesStatus(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	rec := httptest.NewRecorder()
	s.Handler("/api").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"stopped"`)
}

func TestServeRequiresTokenAndStops(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.Token = "tok"
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	rec := httptest.NewRecorder()
	s.Handler("/api").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	srv, err := s.Serve()
	require.NoError(t, err)
	assert.NoError(t, srv.Close())
}

func TestServeRejectsBrokenTLS(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	cfg.Server.TLS.Enabled = true
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	_, err = s.Serve()
	assert.Error(t, err)
}

func TestMetricsServer(t *testing.T) {
	srv := NewMetricsServer("127.0.0.1:0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChattyChildExitReachesSlowConsumer(t *testing.T) {
	cfg := testConfig(t, "i=0\nwhile [ $i -lt 2000 ]; do echo line $i; i=$((i+1)); done\nexit 3\n")
	cfg.Probe.Attempts = 1

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.ShutdownHook()

	events, cancel := s.Events(16)
	defer cancel()
	sum, err := s.Start(context.Background(), LaunchRequest{DataDir: t.TempDir()})
	require.NoError(t, err)

	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != ChildTerminated {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			assert.Equal(t, sum.PID, e.PID)
			require.NotNil(t, e.ExitCode)
			assert.Equal(t, 3, *e.ExitCode)
			assert.False(t, e.Requested)
			assert.Positive(t, s.Bus().Dropped())
			return
		case <-timeout:
			t.Fatalf("child-terminated never delivered")
		}
	}
}
