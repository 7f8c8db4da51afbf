package runmetrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collectorPagesTotal      *prometheus.CounterVec
	collectorChallengesTotal *prometheus.CounterVec
	collectorSolvesTotal     *prometheus.CounterVec
	collectorSolveSeconds    *prometheus.HistogramVec
	collectorRotationsTotal  prometheus.Counter
	collectorJobsTotal       *prometheus.CounterVec
	collectorBackoffSeconds  prometheus.Histogram
	collectorDetailCacheOps  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_pages_total",
				Help: "Total number of pages navigated, labeled by board and status.",
			},
			[]string{"board", "status"},
		)

		collectorChallengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_challenges_total",
				Help: "Total number of challenge pages detected, labeled by reason.",
			},
			[]string{"reason"},
		)

		collectorSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_solves_total",
				Help: "Total challenge solve attempts, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		collectorSolveSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_solve_duration_seconds",
				Help:    "Histogram of challenge solve durations, labeled by backend.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"backend"},
		)

		collectorRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_proxy_rotations_total",
				Help: "Total proxy session rotations.",
			},
		)

		collectorJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_jobs_total",
				Help: "Total jobs handled, labeled by disposition (collected, duplicate).",
			},
			[]string{"disposition"},
		)

		collectorBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_backoff_sleep_seconds",
				Help:    "Histogram of challenge backoff sleep durations.",
				Buckets: []float64{30, 60, 120, 180, 240, 300},
			},
		)

		collectorDetailCacheOps = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_detail_cache_ops_total",
				Help: "Detail fetch cache operations, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counter for the given board and status.
func ObservePage(board, status string) {
	collectorPagesTotal.WithLabelValues(board, status).Inc()
}

// ObserveChallenge increments the challenge counter for the given reason.
func ObserveChallenge(reason string) {
	collectorChallengesTotal.WithLabelValues(reason).Inc()
}

// ObserveSolve records a solve attempt and its duration.
func ObserveSolve(backend, outcome string, duration time.Duration) {
	collectorSolvesTotal.WithLabelValues(backend, outcome).Inc()
	collectorSolveSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveRotation increments the proxy rotation counter.
func ObserveRotation() {
	collectorRotationsTotal.Inc()
}

// ObserveJob increments the job counter for the given disposition.
func ObserveJob(disposition string) {
	collectorJobsTotal.WithLabelValues(disposition).Inc()
}

// ObserveBackoff records a backoff sleep duration.
func ObserveBackoff(duration time.Duration) {
	collectorBackoffSeconds.Observe(duration.Seconds())
}

// ObserveDetailCache increments the detail cache counter for the result.
func ObserveDetailCache(result string) {
	collectorDetailCacheOps.WithLabelValues(result).Inc()
}
