// Package metrics holds the Prometheus collectors of the service.
//
//	metrics.RecordAnalysis("trace", "ok", time.Since(start))
//	metrics.RecordCacheLookup("tx", true)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainforensics_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainforensics_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AnalysisDuration tracks orchestrated operations by outcome.
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainforensics_analysis_duration_seconds",
			Help:    "Duration of analysis operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"operation", "outcome"},
	)

	// AnalysisTruncatedTotal counts results returned with truncated set.
	AnalysisTruncatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainforensics_analysis_truncated_total",
			Help: "Analysis results cut short by a depth, node or time limit",
		},
		[]string{"operation"},
	)

	// LedgerCacheLookups counts ledger cache hits and misses by lookup kind.
	LedgerCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainforensics_ledger_cache_lookups_total",
			Help: "Ledger cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)

	// LedgerCacheInvalidations counts cache flushes caused by new blocks.
	LedgerCacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainforensics_ledger_cache_invalidations_total",
			Help: "Ledger cache flushes triggered by block events",
		},
	)

	// LedgerCacheStaleDrops counts lookup results not cached because a block
	// arrived while they were being read.
	LedgerCacheStaleDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainforensics_ledger_cache_stale_drops_total",
			Help: "Ledger lookup results discarded by a concurrent invalidation",
		},
	)

	// SyncedHeight is the last block height applied to the local index.
	SyncedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainforensics_synced_height",
			Help: "Last block height applied to the local ledger index",
		},
		[]string{"chain"},
	)

	// RPCBreakerState is 0 closed, 1 half-open, 2 open.
	RPCBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainforensics_rpc_breaker_state",
			Help: "Node RPC circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"chain"},
	)
)

// RecordAnalysis observes the duration of one orchestrated operation.
func RecordAnalysis(operation, outcome string, d time.Duration) {
	AnalysisDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// RecordCacheLookup counts a ledger cache hit or miss.
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	LedgerCacheLookups.WithLabelValues(kind, result).Inc()
}
