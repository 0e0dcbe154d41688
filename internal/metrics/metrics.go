package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	backendReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sidecar",
		Name:      "backend_ready",
		Help:      "Readiness state of the backend (1=ready, 0=not ready).",
	}, []string{"backend"})

	backendState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sidecar",
		Name:      "backend_state",
		Help:      "Current readiness state of the backend; the active state is set to 1.",
	}, []string{"backend", "state"})

	spawnAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidecar",
		Name:      "backend_spawn_total",
		Help:      "Backend spawn attempts partitioned by result.",
	}, []string{"backend", "result"})

	backendExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidecar",
		Name:      "backend_exits_total",
		Help:      "Backend process exits partitioned by cause.",
	}, []string{"backend", "cause"})

	readyWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sidecar",
		Name:      "backend_ready_wait_seconds",
		Help:      "Time between spawning the backend and the end of the readiness wait.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30},
	}, []string{"backend", "outcome"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sidecar",
		Name:      "build_info",
		Help:      "Build metadata for the running sidecar binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(backendReady, backendState, spawnAttempts, backendExits, readyWait, buildInfo)
}

// Registry returns the Prometheus registry containing all sidecar metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the sidecar registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetBackendReady records the readiness state for the provided backend.
func SetBackendReady(backend string, ready bool) {
	if backend == "" {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	backendReady.WithLabelValues(backend).Set(value)
}

// SetBackendState marks state as the active readiness state and clears the
// others listed in known.
func SetBackendState(backend, state string, known []string) {
	if backend == "" {
		return
	}
	for _, s := range known {
		if s != state {
			backendState.WithLabelValues(backend, s).Set(0)
		}
	}
	backendState.WithLabelValues(backend, state).Set(1)
}

// IncrementSpawn counts a spawn attempt with the given result.
func IncrementSpawn(backend, result string) {
	if backend == "" {
		return
	}
	spawnAttempts.WithLabelValues(backend, result).Inc()
}

// IncrementExit counts a backend exit with the given cause.
func IncrementExit(backend, cause string) {
	if backend == "" {
		return
	}
	backendExits.WithLabelValues(backend, cause).Inc()
}

// ObserveReadyWait records how long the readiness wait took.
func ObserveReadyWait(backend, outcome string, d time.Duration) {
	label := backend
	if label == "" {
		label = "unknown"
	}
	readyWait.WithLabelValues(label, outcome).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetBackend clears all series recorded for a backend.
func ResetBackend(backend string) {
	if backend == "" {
		return
	}
	labels := prometheus.Labels{"backend": backend}
	backendReady.DeletePartialMatch(labels)
	backendState.DeletePartialMatch(labels)
	spawnAttempts.DeletePartialMatch(labels)
	backendExits.DeletePartialMatch(labels)
	readyWait.DeletePartialMatch(labels)
}
