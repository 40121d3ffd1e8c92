// Package metrics exposes Prometheus collectors for the review pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal              *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	completionsTotal          *prometheus.CounterVec
	completionDurationSeconds *prometheus.HistogramVec
	completionRetriesTotal    *prometheus.CounterVec
	tokensTotal               *prometheus.CounterVec
	costUSDTotal              *prometheus.CounterVec
	transitionsTotal          *prometheus.CounterVec
	activeWorkers             *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_fetches_total",
				Help: "Total page fetch lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "review_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by engine.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"engine"},
		)

		completionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_llm_completions_total",
				Help: "Total model completion calls, labeled by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		)

		completionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "review_llm_completion_duration_seconds",
				Help:    "Histogram of model completion latencies, labeled by phase.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase"},
		)

		completionRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_llm_retries_total",
				Help: "Total completion retry attempts, labeled by reason.",
			},
			[]string{"reason"},
		)

		tokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_llm_tokens_total",
				Help: "Total tokens consumed, labeled by category and kind.",
			},
			[]string{"category", "kind"},
		)

		costUSDTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_llm_cost_usd_total",
				Help: "Cumulative model spend in US dollars, labeled by category.",
			},
			[]string{"category"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_phase_transitions_total",
				Help: "Total row status transitions, labeled by phase and status.",
			},
			[]string{"phase", "status"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "review_active_workers",
				Help: "Number of workers currently processing a document.",
			},
			[]string{"phase"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch lookup counter for an outcome
// (hit, cached_error, fetched, error).
func ObserveFetch(outcome string) {
	Init()
	fetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchDuration records the wall time of one live page fetch.
func ObserveFetchDuration(engine string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveCompletion records one model completion call for a phase.
func ObserveCompletion(phase, outcome string, duration time.Duration) {
	Init()
	completionsTotal.WithLabelValues(phase, outcome).Inc()
	completionDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveRetry increments the completion retry counter for a reason
// (rate_limit, transient, content_shape).
func ObserveRetry(reason string) {
	Init()
	completionRetriesTotal.WithLabelValues(reason).Inc()
}

// AddTokens accumulates token usage for a category.
func AddTokens(category string, cacheRead, cacheWrite, uncached, output int64) {
	Init()
	if cacheRead > 0 {
		tokensTotal.WithLabelValues(category, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		tokensTotal.WithLabelValues(category, "cache_write").Add(float64(cacheWrite))
	}
	if uncached > 0 {
		tokensTotal.WithLabelValues(category, "uncached").Add(float64(uncached))
	}
	if output > 0 {
		tokensTotal.WithLabelValues(category, "output").Add(float64(output))
	}
}

// AddCost accumulates model spend for a category.
func AddCost(category string, usd float64) {
	Init()
	if usd > 0 {
		costUSDTotal.WithLabelValues(category).Add(usd)
	}
}

// ObserveTransition increments the status transition counter for a phase row.
func ObserveTransition(phase, status string) {
	Init()
	transitionsTotal.WithLabelValues(phase, status).Inc()
}

// IncActiveWorkers increments the active workers gauge for a phase.
func IncActiveWorkers(phase string) {
	Init()
	activeWorkers.WithLabelValues(phase).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a phase.
func DecActiveWorkers(phase string) {
	Init()
	activeWorkers.WithLabelValues(phase).Dec()
}
