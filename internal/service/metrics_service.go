package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	cacheLatency     prometheus.Observer
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	lightragDuration *prometheus.HistogramVec
	lightragCalls    *prometheus.CounterVec
	deletionOutcomes *prometheus.CounterVec
	statusChecks     *prometheus.CounterVec
	uploadRetries    prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	lightragDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightrag_request_duration_seconds",
		Help:    "Duration of calls to the LightRAG indexing service",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	lightragCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lightrag_requests_total",
		Help: "Calls to the LightRAG indexing service by outcome",
	}, []string{"operation", "outcome"})

	deletionOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_deletions_total",
		Help: "Document deletion attempts by outcome",
	}, []string{"outcome"})

	statusChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_status_checks_total",
		Help: "Processing status reconciliations by resulting status",
	}, []string{"status"})

	uploadRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "document_upload_retries_total",
		Help: "Retried LightRAG upload attempts",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses,
		lightragDuration, lightragCalls, deletionOutcomes, statusChecks, uploadRetries, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheLatency:     cacheLatency,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		lightragDuration: lightragDuration,
		lightragCalls:    lightragCalls,
		deletionOutcomes: deletionOutcomes,
		statusChecks:     statusChecks,
		uploadRetries:    uploadRetries,
	}
}

// Registry exposes the underlying registry for extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveLightRAGCall records one call to the indexing service.
func (m *MetricsService) ObserveLightRAGCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lightragDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.lightragCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordDeletionOutcome counts a deletion attempt.
func (m *MetricsService) RecordDeletionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.deletionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStatusCheck counts a status reconciliation.
func (m *MetricsService) RecordStatusCheck(status string) {
	if m == nil {
		return
	}
	m.statusChecks.WithLabelValues(status).Inc()
}

// RecordUploadRetry counts a retried upload attempt.
func (m *MetricsService) RecordUploadRetry() {
	if m == nil {
		return
	}
	m.uploadRetries.Inc()
}
