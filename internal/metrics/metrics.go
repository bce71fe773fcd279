// Package metrics exposes Prometheus collectors for the ranking worker
// and its admin API.
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
	messagesTotal              *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	keywordsTotal              *prometheus.CounterVec
	serpItemsTotal             *prometheus.CounterVec
	visibilityExtensionsTotal  prometheus.Counter
	consumerErrorsTotal        prometheus.Counter
	activeJobs                 prometheus.Gauge
	searchRequestsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		messagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranker_messages_total",
				Help: "Total number of queue messages handled, labeled by job type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ranker_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations, labeled by job type.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"type"},
		)

		keywordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranker_keywords_total",
				Help: "Total number of keywords processed, labeled by phase and final status.",
			},
			[]string{"phase", "status"},
		)

		serpItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranker_serp_items_total",
				Help: "Total number of search-result items processed, labeled by final status.",
			},
			[]string{"status"},
		)

		visibilityExtensionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ranker_visibility_extensions_total",
				Help: "Total number of message visibility extensions performed.",
			},
		)

		consumerErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ranker_consumer_errors_total",
				Help: "Total number of receive-loop errors.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ranker_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		searchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranker_search_requests_total",
				Help: "Total number of outbound search API requests, labeled by kind and code.",
			},
			[]string{"kind", "code"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
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

// ObserveMessage counts one handled queue message.
func ObserveMessage(jobType, outcome string) {
	messagesTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveJobDuration records the end-to-end duration of a job.
func ObserveJobDuration(jobType string, duration time.Duration) {
	jobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveKeyword counts a keyword finishing a phase with the given status.
func ObserveKeyword(phase, status string) {
	keywordsTotal.WithLabelValues(phase, status).Inc()
}

// ObserveSerpItem counts a search-result item finishing with the given status.
func ObserveSerpItem(status string) {
	serpItemsTotal.WithLabelValues(status).Inc()
}

// ObserveVisibilityExtension counts one visibility extension.
func ObserveVisibilityExtension() {
	visibilityExtensionsTotal.Inc()
}

// ObserveConsumerError counts one receive-loop error.
func ObserveConsumerError() {
	consumerErrorsTotal.Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// ObserveSearchRequest counts one outbound search API request.
func ObserveSearchRequest(kind string, code int) {
	searchRequestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
}

// ObserveHTTPRequest increments the admin API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
