package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	childStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful sidecar spawns.",
		}, []string{"mode"},
	)
	childStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "stops_total",
			Help:      "Number of stops issued by the supervisor.",
		}, []string{"kind"},
	)
	childRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "restarts_total",
			Help:      "Number of restart requests.",
		},
	)
	childTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "terminations_total",
			Help:      "Observed child exits by exit class.",
		}, []string{"exit"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "spawn_failures_total",
			Help:      "Failed launch attempts by reason.",
		}, []string{"reason"},
	)
	announcedPort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      "announced_port",
			Help:      "Port announced by the current child, 0 when none.",
		},
	)

	probeAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Number of readiness probe attempts.",
		},
	)
	probeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "probe",
			Name:      "outcomes_total",
			Help:      "Readiness probe results.",
		}, []string{"outcome"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Time from probe start to its outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10},
		},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Output events dropped for slow channel subscribers.",
		}, []string{"type"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between controller phases.",
		}, []string{"from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "current_phase",
			Help:      "Current controller phase (1 = active, 0 = inactive).",
		}, []string{"phase"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		childStarts, childStops, childRestarts, childTerminations, spawnFailures, announcedPort,
		probeAttempts, probeOutcomes, probeDuration,
		eventsDropped, stateTransitions, currentPhase,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if err := registerAll(r, collectors()); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(mode string) {
	if regOK.Load() {
		childStarts.WithLabelValues(mode).Inc()
	}
}

// IncStop counts a stop; kind is "stop" or "shutdown".
func IncStop(kind string) {
	if regOK.Load() {
		childStops.WithLabelValues(kind).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		childRestarts.Inc()
	}
}

// IncTermination classifies an exit: "0", "nonzero" or "signal" when the
// code is unknown.
func IncTermination(exitCode *int) {
	if !regOK.Load() {
		return
	}
	childTerminations.WithLabelValues(ExitClass(exitCode)).Inc()
}

func ExitClass(exitCode *int) string {
	switch {
	case exitCode == nil:
		return "signal"
	case *exitCode == 0:
		return "0"
	default:
		return "nonzero"
	}
}

func IncSpawnFailure(reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(reason).Inc()
	}
}

func SetAnnouncedPort(port uint16) {
	if regOK.Load() {
		announcedPort.Set(float64(port))
	}
}

func IncProbeAttempt() {
	if regOK.Load() {
		probeAttempts.Inc()
	}
}

func ObserveProbe(outcome string, seconds float64) {
	if regOK.Load() {
		probeOutcomes.WithLabelValues(outcome).Inc()
		probeDuration.Observe(seconds)
	}
}

func IncEventDropped(eventType string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(eventType).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentPhase(phase string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentPhase.WithLabelValues(phase).Set(value)
	}
}
