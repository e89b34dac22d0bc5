// Package metrics defines the Prometheus collectors for the ingestion
// pipeline. All collectors are registered with the default registry and are
// served by promhttp on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// UpdatesReceived counts updates accepted from a transport.
	UpdatesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gremlin_updates_received_total",
			Help: "Platform updates received, by transport.",
		},
		[]string{"transport"},
	)

	// MessagesArchived counts archive writes by result (stored, duplicate).
	MessagesArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gremlin_messages_archived_total",
			Help: "Message archive writes, by result.",
		},
		[]string{"result"},
	)

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gremlin_settings_cache_hits_total",
		Help: "Settings cache hits.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gremlin_settings_cache_misses_total",
		Help: "Settings cache misses.",
	})

	// CacheErrors counts backend failures by operation (get, set, delete).
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gremlin_settings_cache_errors_total",
			Help: "Settings cache backend errors, by operation.",
		},
		[]string{"op"},
	)

	// DispatchFailures counts updates that did not make it through the
	// pipeline: malformed, queue_full, fatal.
	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gremlin_dispatch_failures_total",
			Help: "Updates that failed ingestion, by reason.",
		},
		[]string{"reason"},
	)

	// DispatchDuration observes end-to-end processing time of one update.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gremlin_dispatch_duration_seconds",
			Help:    "Time spent processing one update, by kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Failure reasons.
const (
	ReasonMalformed = "malformed"
	ReasonQueueFull = "queue_full"
	ReasonFatal     = "fatal"
	ReasonAuth      = "auth"
)

func init() {
	prometheus.MustRegister(
		UpdatesReceived,
		MessagesArchived,
		CacheHits,
		CacheMisses,
		CacheErrors,
		DispatchFailures,
		DispatchDuration,
	)
}
