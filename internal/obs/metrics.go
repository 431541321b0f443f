package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	// CircuitState reports the current state per endpoint key (0 closed, 1 open, 2 half-open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Circuit breaker state per endpoint key.",
		},
		[]string{"endpoint"},
	)

	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"endpoint", "from", "to"},
	)

	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bulkhead_in_flight",
			Help: "Running calls per resource class.",
		},
		[]string{"class"},
	)

	BulkheadQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bulkhead_queued",
			Help: "Queued calls per resource class.",
		},
		[]string{"class"},
	)

	BulkheadRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bulkhead_rejected_total",
			Help: "Calls rejected because the queue was full.",
		},
		[]string{"class"},
	)

	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_events_total",
			Help: "Cache hits, misses, evictions and expirations.",
		},
		[]string{"event"},
	)

	DedupeShared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dedupe_shared_total",
		Help: "Calls that joined an identical in-flight request.",
	})

	AuditSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_audit_submissions_total",
			Help: "Audit batch submissions by result.",
		},
		[]string{"result"},
	)

	AuditBackupSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_audit_backup_events",
		Help: "Audit events waiting in the local backup.",
	})

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)
)

// Init registers the gateway collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			CircuitState,
			CircuitTransitions,
			BulkheadInFlight,
			BulkheadQueued,
			BulkheadRejected,
			CacheEvents,
			DedupeShared,
			AuditSubmissions,
			AuditBackupSize,
			UpstreamDuration,
		)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
