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

	serviceSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "spawns_total",
			Help:      "Number of successful service process spawns.",
		}, []string{"name"},
	)
	serviceSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of failed service process spawns.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restarts scheduled by the restart policy.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state per service (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	healthchecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "healthcheck",
			Name:      "probes_total",
			Help:      "Number of healthcheck probes by result.",
		}, []string{"name", "result"},
	)
	reaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initr",
			Subsystem: "reaper",
			Name:      "reaps_total",
			Help:      "Number of reaped child processes, matched to a service or orphaned.",
		}, []string{"kind"},
	)
	blockedServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "initr",
			Subsystem: "service",
			Name:      "blocked",
			Help:      "Number of services whose dependencies can never be satisfied.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceSpawns, serviceSpawnFailures, serviceRestarts, stateTransitions, currentStates, healthchecks, reaps, blockedServices}
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
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string) {
	if regOK.Load() {
		serviceSpawns.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		serviceSpawnFailures.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncHealthcheck(name string, ok bool) {
	if regOK.Load() {
		result := "failure"
		if ok {
			result = "success"
		}
		healthchecks.WithLabelValues(name, result).Inc()
	}
}

// IncReap records one reaped child; matched reports whether the pid belonged
// to a supervised service.
func IncReap(matched bool) {
	if regOK.Load() {
		kind := "orphan"
		if matched {
			kind = "service"
		}
		reaps.WithLabelValues(kind).Inc()
	}
}

func SetBlockedServices(n int) {
	if regOK.Load() {
		blockedServices.Set(float64(n))
	}
}
