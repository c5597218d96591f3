package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("standalone")
	IncStop("stop")
	IncRestart()
	IncTermination(nil)
	IncSpawnFailure("spawn")
	SetAnnouncedPort(8080)
	IncProbeAttempt()
	ObserveProbe("ready", 0.4)
	RecordStateTransition("stopped", "starting")
	SetCurrentPhase("starting", true)
	IncEventDropped("output-line")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"sidecar_child_starts_total":                 false,
		"sidecar_child_stops_total":                  false,
		"sidecar_child_restarts_total":               false,
		"sidecar_child_terminations_total":           false,
		"sidecar_child_spawn_failures_total":         false,
		"sidecar_child_announced_port":               false,
		"sidecar_probe_attempts_total":               false,
		"sidecar_probe_outcomes_total":               false,
		"sidecar_probe_duration_seconds":             false,
		"sidecar_controller_state_transitions_total": false,
		"sidecar_controller_current_phase":           false,
		"sidecar_events_dropped_total":               false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	assert.Equal(t, float64(8080), testutil.ToFloat64(announcedPort))
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("interpreted")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "sidecar_child_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	before := testutil.ToFloat64(childRestarts)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("standalone")
			IncRestart()
			IncStop("stop")
		}()
	}
	wg.Wait()
	assert.Equal(t, before+50, testutil.ToFloat64(childRestarts))
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestExitClass(t *testing.T) {
	zero, one := 0, 1
	assert.Equal(t, "signal", ExitClass(nil))
	assert.Equal(t, "0", ExitClass(&zero))
	assert.Equal(t, "nonzero", ExitClass(&one))
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	before := testutil.ToFloat64(probeAttempts)
	IncStart("test")
	IncRestart()
	IncStop("stop")
	IncTermination(nil)
	IncProbeAttempt()
	ObserveProbe("timed_out", 6)
	RecordStateTransition("a", "b")
	SetCurrentPhase("ready", true)
	SetAnnouncedPort(1)
	assert.Equal(t, before, testutil.ToFloat64(probeAttempts))
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must keep helpers disabled")
	}
}

func TestUsageCollectorSamplesSelf(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, c.RegisterMetrics(reg))

	u, err := c.Collect(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.NotZero(t, u.MemoryRSS)
	assert.Equal(t, u, c.Last())

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	c.forget(os.Getpid())
	assert.Zero(t, c.Last().PID)
}

func TestUsageCollectorDisabled(t *testing.T) {
	c := NewUsageCollector(UsageConfig{}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, c.RegisterMetrics(reg))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs)
	c.Stop()
}

func TestSampleMissingProcess(t *testing.T) {
	_, err := Sample(1 << 30)
	assert.Error(t, err)
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
