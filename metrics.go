package apiclient

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle, the
// session and the query cache. It is safe for concurrent use and every method is
// a no-op on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	refreshesTotal   *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	breakerState     *prometheus.GaugeVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheSize        prometheus.Gauge
	deduplicatedHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_requests_total",
				Help: "Total number of logical API requests by terminal status",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlord_api_request_duration_seconds",
				Help:    "Duration of logical API requests including retries, in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overlord_api_requests_in_flight",
				Help: "Number of logical API requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"method", "endpoint"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_session_refreshes_total",
				Help: "Total number of session refreshes by outcome",
			},
			[]string{"outcome"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "overlord_api_session_refresh_duration_seconds",
				Help:    "Duration of session refreshes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overlord_api_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_cache_hits_total",
				Help: "Total number of query cache hits",
			},
			[]string{"resource"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_cache_misses_total",
				Help: "Total number of query cache misses, including stale entries",
			},
			[]string{"resource"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlord_api_cache_entries",
				Help: "Current number of entries in the query cache",
			},
		),
		deduplicatedHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_cache_deduplicated_total",
				Help: "Total number of fetches that joined an in-flight fetch",
			},
			[]string{"resource"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlord_api_errors_total",
				Help: "Total number of terminal errors by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter.
func (mc *MetricsCollector) RecordRetry(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordRefresh records a session refresh outcome ("success", "failure", "discarded").
func (mc *MetricsCollector) RecordRefresh(outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.refreshesTotal.WithLabelValues(outcome).Inc()
	mc.refreshDuration.Observe(duration.Seconds())
}

// RecordBreakerState sets the gauge to the breaker state.
func (mc *MetricsCollector) RecordBreakerState(name string, state CircuitBreakerState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case BreakerClosed:
		stateValue = 0
	case BreakerOpen:
		stateValue = 1
	case BreakerHalfOpen:
		stateValue = 2
	}

	mc.breakerState.WithLabelValues(name).Set(stateValue)
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(resource string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(resource).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(resource string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(resource).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments the de-dup counter.
func (mc *MetricsCollector) RecordDeduplicationHit(resource string) {
	if mc == nil {
		return
	}

	mc.deduplicatedHits.WithLabelValues(resource).Inc()
}

// RecordError increments the error counter by kind.
func (mc *MetricsCollector) RecordError(kind Kind, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(string(kind), method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a plain Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// endpointLabel collapses a request path into a low-cardinality label: the query
// string is dropped and numeric or UUID segments become ":id".
func endpointLabel(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := strconv.ParseInt(seg, 10, 64); err == nil {
			segments[i] = ":id"
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
		}
	}
	label := strings.Join(segments, "/")
	if label == "" {
		return "/"
	}
	return label
}

// resourceLabel is the first segment of a cache key.
func resourceLabel(key QueryKey) string {
	s := string(key)
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}
