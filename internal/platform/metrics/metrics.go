package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared across engine components.
type Metrics struct {
	RequestsAdmitted  prometheus.Counter
	ItemsProcessed    *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	ClaimConflicts    prometheus.Counter
	StaleDiscards     prometheus.Counter
	DriftCorrections  *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	AttemptDurationMs *prometheus.HistogramVec
}

// New creates and registers all engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accessbridge_requests_admitted_total",
			Help: "Total requests admitted by intake",
		}),
		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "accessbridge_items_processed_total",
			Help: "Mailbox items processed by executors, by target and outcome",
		}, []string{"target", "outcome"}),
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "accessbridge_retries_total",
			Help: "Transient-failure requeues, by target",
		}, []string{"target"}),
		ClaimConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accessbridge_claim_conflicts_total",
			Help: "PENDING->IN_PROGRESS compare-and-set attempts lost to a concurrent executor",
		}),
		StaleDiscards: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accessbridge_stale_discards_total",
			Help: "Mailbox items discarded as unknown or already-claimed redeliveries",
		}),
		DriftCorrections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "accessbridge_drift_corrections_total",
			Help: "Corrective items enqueued by the sweeper, by target",
		}, []string{"target"}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accessbridge_cache_hits_total",
			Help: "Status reads served from cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accessbridge_cache_misses_total",
			Help: "Status reads that fell through to the ledger",
		}),
		AttemptDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accessbridge_attempt_duration_ms",
			Help:    "Adapter attempt latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"target"}),
	}
}
