package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

// MetricsSnapshot is a lightweight view of the collectors for the operator API.
type MetricsSnapshot struct {
	RequestsTotal            uint64            `json:"requests_total"`
	AverageRequestDurationMs float64           `json:"average_request_duration_ms"`
	CacheHitRatio            float64           `json:"cache_hit_ratio"`
	CacheHits                uint64            `json:"cache_hits"`
	CacheMisses              uint64            `json:"cache_misses"`
	Operations               map[string]uint64 `json:"operations"`
	ExecutorCalls            uint64            `json:"executor_calls"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	operationsTotal  *prometheus.CounterVec
	externalDuration *prometheus.HistogramVec
	callbacksTotal   *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	executorCalls        uint64
	opSuccess            uint64
	opPartial            uint64
	opFailed             uint64
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
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	operationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioning_operations_total",
		Help: "Completed provisioning operations by status",
	}, []string{"status", "trigger"})

	externalDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "external_call_duration_seconds",
		Help:    "Latency of executor, dispatcher and role authority calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"target", "outcome"})

	callbacksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_callbacks_total",
		Help: "Inbound approval and review callbacks by result",
	}, []string{"kind", "result"})

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_requests_total",
		Help: "Provisioning request transitions by resulting status",
	}, []string{"status"})

	reconcileTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_requests_total",
		Help: "Requests re-applied by the reconciler by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		operationsTotal, externalDuration, callbacksTotal, requestsTotal, reconcileTotal, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheLatency:     cacheLatency,
		cacheWrite:       cacheWrite,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		operationsTotal:  operationsTotal,
		externalDuration: externalDuration,
		callbacksTotal:   callbacksTotal,
		requestsTotal:    requestsTotal,
		reconcileTotal:   reconcileTotal,
	}
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

// Registry exposes the underlying registry for tests and custom collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveExternalCall records the latency of an outbound collaborator call.
func (m *MetricsService) ObserveExternalCall(target, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.externalDuration.WithLabelValues(target, outcome).Observe(duration.Seconds())
	if target == "executor" {
		atomic.AddUint64(&m.executorCalls, 1)
	}
}

// RecordOperation counts a completed provisioning operation.
func (m *MetricsService) RecordOperation(status models.OperationStatus, trigger string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(string(status), trigger).Inc()
	switch status {
	case models.OperationStatusSuccess:
		atomic.AddUint64(&m.opSuccess, 1)
	case models.OperationStatusPartial:
		atomic.AddUint64(&m.opPartial, 1)
	case models.OperationStatusFailed:
		atomic.AddUint64(&m.opFailed, 1)
	}
}

// RecordCallback counts an inbound callback by how it was handled.
func (m *MetricsService) RecordCallback(kind, result string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(kind, result).Inc()
}

// RecordRequestTransition counts a request reaching status.
func (m *MetricsService) RecordRequestTransition(status models.RequestStatus) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(string(status)).Inc()
}

// RecordReconcile counts a reconciler attempt.
func (m *MetricsService) RecordReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

// Snapshot returns aggregated metrics suitable for the operator API.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if totalLookups := hits + misses; totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		Operations: map[string]uint64{
			string(models.OperationStatusSuccess): atomic.LoadUint64(&m.opSuccess),
			string(models.OperationStatusPartial): atomic.LoadUint64(&m.opPartial),
			string(models.OperationStatusFailed):  atomic.LoadUint64(&m.opFailed),
		},
		ExecutorCalls: atomic.LoadUint64(&m.executorCalls),
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}
}
