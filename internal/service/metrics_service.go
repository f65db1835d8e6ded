package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

// Evaluation outcome labels.
const (
	OutcomeScored            = "scored"
	OutcomeFailed            = "failed"
	OutcomeAlreadyInProgress = "already_in_progress"
	OutcomeAlreadyScored     = "already_scored"
	OutcomeInvalid           = "invalid"
	OutcomeCommitFailed      = "commit_failed"
)

// MetricsService owns the Prometheus registry. All methods are safe on a nil receiver.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheWrite      prometheus.Histogram

	evaluations    *prometheus.CounterVec
	scorerLatency  *prometheus.HistogramVec
	tokensIssued   *prometheus.CounterVec
	reconciliation *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stats_cache_lookups_total",
			Help: "Stats cache lookups by result",
		}, []string{"result"}),
		cacheWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stats_cache_write_seconds",
			Help:    "Latency of stats cache writes",
			Buckets: prometheus.DefBuckets,
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluations_total",
			Help: "Evaluation attempts by outcome and trigger",
		}, []string{"outcome", "method"}),
		scorerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorer_request_duration_seconds",
			Help:    "Latency of scorer calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"result"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_tokens_issued_total",
			Help: "Reward token amount issued by quality",
		}, []string{"quality"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_actions_total",
			Help: "Actions taken by the reconciliation sweep",
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evaluation_queue_depth",
			Help: "Buffered evaluation jobs",
		}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(m.requestDuration, m.requestTotal, m.cacheLookups, m.cacheWrite,
		m.evaluations, m.scorerLatency, m.tokensIssued, m.reconciliation, m.queueDepth, goroutines)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request latency and count.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, label).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, label).Inc()
}

// RecordCacheOperation counts a stats cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheWrite tracks the duration of cache writes.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveEvaluation counts an evaluation outcome.
func (m *MetricsService) ObserveEvaluation(outcome string, method models.EvaluationMethod) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome, string(method)).Inc()
}

// ObserveScorer records a scorer call; result is "ok" or an error code.
func (m *MetricsService) ObserveScorer(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.scorerLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveTokensIssued adds amount to the issued-token counter.
func (m *MetricsService) ObserveTokensIssued(quality models.Quality, amount int) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(string(quality)).Add(float64(amount))
}

// ObserveReconciliation counts a reconciliation action.
func (m *MetricsService) ObserveReconciliation(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciliation.WithLabelValues(action).Add(float64(n))
}

// SetQueueDepth publishes the current evaluation queue depth.
func (m *MetricsService) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
