// Package metrics exposes the Prometheus counters/gauges/histograms
// the runtime updates as it claims, processes, and publishes chunks.
// Grounded on the teacher's promauto-based metric declarations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksProcessed counts chunks the runtime finished handling,
	// labeled by backend and outcome: completed (result published) or
	// failed (nacked after a simulated fault or a publish error).
	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttg_worker_chunks_processed_total",
			Help: "Total number of chunks reaching a terminal outcome",
		},
		[]string{"backend", "outcome"},
	)

	// ChunkDuration tracks wall-clock time spent computing a chunk that
	// completed, from the start of processing to the end of its
	// parameter loop; publish and ack are not included.
	ChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ttg_worker_chunk_duration_seconds",
			Help:    "Duration of chunk processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"backend"},
	)

	// ParamsProcessed counts individual parameters computed across all
	// chunks.
	ParamsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttg_worker_params_processed_total",
			Help: "Total number of parameters computed",
		},
	)

	// ClaimsTotal counts successful claims, labeled by whether the
	// claim came from the live stream/queue or from a stale reclaim.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttg_worker_claims_total",
			Help: "Total number of chunks claimed",
		},
		[]string{"source"},
	)

	// ReclaimsTotal counts chunks recovered from a crashed peer via
	// ReclaimStale.
	ReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttg_worker_reclaims_total",
			Help: "Total number of chunks reclaimed from stale consumers",
		},
	)

	// DeadLettersTotal counts chunks that exhausted their retry budget
	// on the broker backend.
	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttg_worker_dead_letters_total",
			Help: "Total number of chunks routed to the dead-letter queue",
		},
	)

	// BackendErrorsTotal counts Claim errors that end the runtime's main
	// loop, labeled by the sentinel error they match.
	BackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttg_worker_backend_errors_total",
			Help: "Total number of queue backend errors observed",
		},
		[]string{"kind"},
	)

	// WorkerUp reports 1 while the worker's main loop is running.
	WorkerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ttg_worker_up",
			Help: "1 while the worker main loop is actively running",
		},
	)
)
