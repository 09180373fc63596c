package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wasm_sandbox"

// Registry holds every sandbox collector. It is separate from the
// default registerer so embedding programs choose whether to expose it.
var Registry = prometheus.NewRegistry()

var (
	BindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Total number of sandbox binds",
		},
		[]string{"status"},
	)

	BindDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bind_duration_seconds",
			Help:      "Duration of sandbox binds in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total number of snapshot resets",
		},
		[]string{"status"},
	)

	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of guest invocations by outcome",
		},
		[]string{"outcome"},
	)

	ActiveInvocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_invocations",
			Help:      "Number of guest invocations currently running",
		},
	)

	ThreadsSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_spawned_total",
			Help:      "Total number of logical threads spawned by outcome",
		},
		[]string{"outcome"},
	)

	DynamicLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dynamic_loads_total",
			Help:      "Total number of dynamic module loads",
		},
		[]string{"status"},
	)

	MemoryGrowths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_growths_total",
			Help:      "Total number of memory growth requests",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of sandbox cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of sandbox cache misses",
		},
	)

	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size",
			Help:      "Number of bound sandboxes in the cache",
		},
	)
)

func init() {
	Registry.MustRegister(
		BindsTotal,
		BindDuration,
		ResetsTotal,
		InvocationsTotal,
		ActiveInvocations,
		ThreadsSpawned,
		DynamicLoads,
		MemoryGrowths,
		CacheHits,
		CacheMisses,
		CacheSize,
	)
}

// Status labels an operation result.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveBind records a finished bind.
func ObserveBind(start time.Time, err error) {
	BindsTotal.WithLabelValues(Status(err)).Inc()
	if err == nil {
		BindDuration.Observe(time.Since(start).Seconds())
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
