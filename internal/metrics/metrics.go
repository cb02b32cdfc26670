// Package metrics registers the Prometheus metrics used by fluxguard.
// Collectors are registered on the default registry via promauto, so the
// /metrics handler only has to mount promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics.
var (
	// CacheLookups counts lookups per tier ("volatile", "persistent") and
	// result ("hit", "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_cache_lookups_total",
			Help: "Cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// CacheStorageErrors counts swallowed storage failures by tier and
	// operation ("get", "set", "delete", "cleanup", "stats").
	CacheStorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_cache_storage_errors_total",
			Help: "Cache storage failures that were logged and swallowed.",
		},
		[]string{"tier", "op"},
	)

	// CacheExecutions counts full misses that invoked the wrapped operation.
	CacheExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_cache_executions_total",
			Help: "Wrapped operation executions caused by cache misses or bypass.",
		},
		[]string{"operation"},
	)

	// CacheExpiredRemoved counts persistent entries removed by cleanup.
	CacheExpiredRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxguard_cache_expired_removed_total",
			Help: "Expired persistent cache entries removed by cleanup.",
		},
	)
)

// Remote service metrics.
var (
	// RemoteRequests counts HTTP attempts against the AI service labelled by
	// operation and status ("success", "transport_error" or the HTTP status
	// code of a failed response).
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_remote_requests_total",
			Help: "HTTP attempts against the AI service.",
		},
		[]string{"operation", "status"},
	)

	// RemoteRequestDuration observes per-attempt latency in seconds.
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxguard_remote_request_duration_seconds",
			Help:    "AI service request duration in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// CircuitBreakerState tracks breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fluxguard_circuit_breaker_state",
			Help: "Circuit breaker state per breaker (0=closed 1=open 2=half_open).",
		},
		[]string{"breaker"},
	)

	// FallbackResponses counts degraded responses served instead of a real call.
	FallbackResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_fallback_responses_total",
			Help: "Fallback responses served while a circuit was open.",
		},
		[]string{"operation"},
	)

	// GuardOutcomes counts guarded calls by operation and outcome
	// ("origin", "volatile_hit", "persistent_hit", "fallback", "error").
	GuardOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxguard_calls_total",
			Help: "Guarded AI calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)
