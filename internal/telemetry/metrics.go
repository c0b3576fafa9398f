package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RowsProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rows_processed_total", Help: "Rows processed across all jobs"})
	RowErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_row_errors_total", Help: "Row-level errors absorbed during batch execution"})
	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_completed_total", Help: "Batches resolved, successful or failed"})
	BatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_failed_total", Help: "Batches whose transform returned an error"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_completed_total", Help: "Jobs reaching Completed"})
	JobsPartial      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_partial_total", Help: "Jobs reaching PartialSuccess"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_failed_total", Help: "Jobs reaching Failed"})
	BatchSizeGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_batch_size", Help: "Current adaptive batch size"})
	MemoryPeakGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_memory_peak_mb", Help: "Peak resident memory observed for the last monitored unit"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_batches_inflight", Help: "Batches currently executing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RowsProcessed,
			RowErrors,
			BatchesCompleted,
			BatchesFailed,
			JobsCompleted,
			JobsPartial,
			JobsFailed,
			BatchSizeGauge,
			MemoryPeakGauge,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
