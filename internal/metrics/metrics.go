// Package metrics exposes Prometheus collectors for the indexer service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	indexerRunsTotal         *prometheus.CounterVec
	indexerDocumentsTotal    *prometheus.CounterVec
	indexerStreamsTotal      *prometheus.CounterVec
	indexerBreakerOpen       *prometheus.GaugeVec
	embedDurationSeconds     prometheus.Histogram
	rateLimitDelaysSeconds   *prometheus.HistogramVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationSecs  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		indexerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_runs_total",
				Help: "Total indexing runs, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		indexerDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_documents_total",
				Help: "Total documents processed, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		indexerStreamsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_streams_total",
				Help: "Total streams processed per run, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		indexerBreakerOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_breaker_open",
				Help: "Whether the per-source circuit breaker is open (1) or closed (0).",
			},
			[]string{"source"},
		)

		embedDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_embed_duration_seconds",
				Help:    "Histogram of bulk embedding call latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records the outcome of an indexing run.
func ObserveRun(source string, success bool) {
	Init()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	indexerRunsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveDocuments records document counts for a processed batch.
func ObserveDocuments(source string, stored, failed, skipped int) {
	Init()
	if stored > 0 {
		indexerDocumentsTotal.WithLabelValues(source, "stored").Add(float64(stored))
	}
	if failed > 0 {
		indexerDocumentsTotal.WithLabelValues(source, "failed").Add(float64(failed))
	}
	if skipped > 0 {
		indexerDocumentsTotal.WithLabelValues(source, "skipped").Add(float64(skipped))
	}
}

// ObserveStream records a per-stream outcome within a run.
func ObserveStream(source string, outcome string) {
	Init()
	indexerStreamsTotal.WithLabelValues(source, outcome).Inc()
}

// SetBreakerOpen flips the breaker gauge for a source.
func SetBreakerOpen(source string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	indexerBreakerOpen.WithLabelValues(source).Set(v)
}

// ObserveEmbed records the duration of a bulk embedding call.
func ObserveEmbed(duration time.Duration) {
	Init()
	embedDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
