// Package metrics exposes Prometheus collectors for the discovery and
// retrieval engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_enqueued_total",
			Help: "Retrieval jobs admitted to the scheduler, labeled by capability.",
		},
		[]string{"capability"},
	)

	jobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_completed_total",
			Help: "Retrieval jobs that finished successfully, labeled by capability.",
		},
		[]string{"capability"},
	)

	jobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_retried_total",
			Help: "Retrieval jobs requeued with backoff, labeled by capability and error code.",
		},
		[]string{"capability", "code"},
	)

	jobsEscalatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_escalated_total",
			Help: "Retrieval jobs moved to the next capability in their chain.",
		},
		[]string{"from", "to"},
	)

	jobsDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_dead_lettered_total",
			Help: "Retrieval jobs retired without success, labeled by reason.",
		},
		[]string{"reason"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scout_queue_depth",
			Help: "Jobs waiting in the scheduler, including delayed retries.",
		},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scout_jobs_in_flight",
			Help: "Jobs currently held by a worker, labeled by capability.",
		},
		[]string{"capability"},
	)

	retrievalDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_retrieval_duration_seconds",
			Help:    "Histogram of retrieval latencies, labeled by capability and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability", "outcome"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_rate_limit_delay_seconds",
			Help:    "Histogram of token bucket wait durations, labeled by bucket kind.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_classifications_total",
			Help: "Protection classifications produced, labeled by category.",
		},
		[]string{"category"},
	)

	oracleFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_oracle_fallbacks_total",
			Help: "Relevance batches scored by the keyword heuristic after an oracle failure.",
		},
	)

	searchSourceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_search_source_errors_total",
			Help: "Discovery source failures and timeouts, labeled by source.",
		},
		[]string{"source"},
	)

	spiderDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_spider_discovered_total",
			Help: "URLs admitted to the frontier by link expansion.",
		},
	)

	credentialAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_credential_acquisitions_total",
			Help: "Credential pool acquisitions, labeled by service and result.",
		},
		[]string{"service", "result"},
	)

	dedupHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_dedup_hits_total",
			Help: "Dedup cache hits, labeled by key space.",
		},
		[]string{"kind"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_events_total",
			Help: "Lifecycle events observed, labeled by stage.",
		},
		[]string{"stage"},
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveEnqueued counts a job admitted for capability.
func ObserveEnqueued(capability string) {
	jobsEnqueuedTotal.WithLabelValues(capability).Inc()
}

// ObserveCompleted counts a successful retrieval.
func ObserveCompleted(capability string) {
	jobsCompletedTotal.WithLabelValues(capability).Inc()
}

// ObserveRetry counts a requeue with backoff.
func ObserveRetry(capability, code string) {
	jobsRetriedTotal.WithLabelValues(capability, code).Inc()
}

// ObserveEscalation counts a move to the next capability.
func ObserveEscalation(from, to string) {
	jobsEscalatedTotal.WithLabelValues(from, to).Inc()
}

// ObserveDeadLetter counts a dead-lettered job.
func ObserveDeadLetter(reason string) {
	jobsDeadLetteredTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the number of waiting jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncInFlight increments the in-flight gauge for capability.
func IncInFlight(capability string) {
	jobsInFlight.WithLabelValues(capability).Inc()
}

// DecInFlight decrements the in-flight gauge for capability.
func DecInFlight(capability string) {
	jobsInFlight.WithLabelValues(capability).Dec()
}

// ObserveRetrieval records a retrieval attempt.
func ObserveRetrieval(capability, outcome string, duration time.Duration) {
	retrievalDurationSeconds.WithLabelValues(capability, outcome).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a token bucket wait.
func ObserveRateLimitDelay(kind string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveClassification counts a classifier verdict.
func ObserveClassification(category string) {
	classificationsTotal.WithLabelValues(category).Inc()
}

// ObserveOracleFallback counts a heuristic fallback batch.
func ObserveOracleFallback() {
	oracleFallbacksTotal.Inc()
}

// ObserveSourceError counts a discovery source failure.
func ObserveSourceError(source string) {
	searchSourceErrorsTotal.WithLabelValues(source).Inc()
}

// ObserveSpiderDiscovered counts a URL admitted by expansion.
func ObserveSpiderDiscovered() {
	spiderDiscoveredTotal.Inc()
}

// ObserveCredentialAcquire counts a pool acquisition attempt.
func ObserveCredentialAcquire(service, result string) {
	credentialAcquisitionsTotal.WithLabelValues(service, result).Inc()
}

// ObserveDedupHit counts a dedup cache hit.
func ObserveDedupHit(kind string) {
	dedupHitsTotal.WithLabelValues(kind).Inc()
}

// ObserveEvent counts a lifecycle event.
func ObserveEvent(stage string) {
	eventsTotal.WithLabelValues(stage).Inc()
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
