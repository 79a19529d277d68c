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

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Worker launch attempts by result (ok, failed).",
		}, []string{"result"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Restart cycles by reason (update, relaunch).",
		}, []string{"reason"},
	)
	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "version",
			Name:      "checks_total",
			Help:      "Version checks by outcome (update, current, unknown).",
		}, []string{"outcome"},
	)
	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "worker",
			Name:      "installs_total",
			Help:      "Worker install runs by result (ok, failed).",
		}, []string{"result"},
	)
	cleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Cleanup passes by mode (exit, restart).",
		}, []string{"mode"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekeeper",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodekeeper",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	workerProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodekeeper",
			Subsystem: "worker",
			Name:      "processes",
			Help:      "Processes in the worker's process set at the last sample.",
		},
	)
	workerRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodekeeper",
			Subsystem: "worker",
			Name:      "resident_memory_bytes",
			Help:      "Summed RSS of the worker's process set at the last sample.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, restarts, updateChecks, installs, cleanups, stateTransitions, currentState, workerProcesses, workerRSS}
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(ok bool) {
	if regOK.Load() {
		launches.WithLabelValues(result(ok)).Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		restarts.WithLabelValues(reason).Inc()
	}
}

func IncUpdateCheck(outcome string) {
	if regOK.Load() {
		updateChecks.WithLabelValues(outcome).Inc()
	}
}

func IncInstall(ok bool) {
	if regOK.Load() {
		installs.WithLabelValues(result(ok)).Inc()
	}
}

func IncCleanup(mode string) {
	if regOK.Load() {
		cleanups.WithLabelValues(mode).Inc()
	}
}

// RecordStateTransition bumps the transition counter and flips the
// current-state gauge from `from` to `to`.
func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
	}
	currentState.WithLabelValues(to).Set(1)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
