package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	platformDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Platform metrics
	PlatformRequestsTotal       *prometheus.CounterVec
	PlatformRequestDuration     *prometheus.HistogramVec
	PlatformRetriesTotal        *prometheus.CounterVec
	PlatformCircuitBreakerState prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Resolver metrics
	ResolveBatchDuration     prometheus.Histogram
	ResolutionsTotal         *prometheus.CounterVec
	ActivePathFallbacksTotal prometheus.Counter

	// View metrics
	ViewLoadsTotal *prometheus.CounterVec
	ViewsActive    prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bpfstage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		PlatformRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_platform_requests_total",
			Help: "Total number of platform Web API requests.",
		}, []string{"operation", "status"}),
		PlatformRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bpfstage_platform_request_duration_seconds",
			Help:    "Platform Web API request duration in seconds.",
			Buckets: platformDurationBuckets,
		}, []string{"operation"}),
		PlatformRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_platform_retries_total",
			Help: "Total number of platform request retries.",
		}, []string{"operation"}),
		PlatformCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bpfstage_platform_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_cache_hits_total",
			Help: "Total resolver cache hits.",
		}, []string{"cache"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_cache_misses_total",
			Help: "Total resolver cache misses.",
		}, []string{"cache"}),

		ResolveBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bpfstage_resolve_batch_duration_seconds",
			Help:    "Batch resolution duration in seconds.",
			Buckets: platformDurationBuckets,
		}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_resolutions_total",
			Help: "Total record resolutions by outcome.",
		}, []string{"outcome"}),
		ActivePathFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bpfstage_active_path_fallbacks_total",
			Help: "Total instances resolved with the full stage list after active-path failure.",
		}),

		ViewLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfstage_view_loads_total",
			Help: "Total view loads by outcome.",
		}, []string{"outcome"}),
		ViewsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bpfstage_views_active",
			Help: "Number of initialized views.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PlatformRequestsTotal,
		m.PlatformRequestDuration,
		m.PlatformRetriesTotal,
		m.PlatformCircuitBreakerState,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ResolveBatchDuration,
		m.ResolutionsTotal,
		m.ActivePathFallbacksTotal,
		m.ViewLoadsTotal,
		m.ViewsActive,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordPlatformRequest records one platform request attempt. A status of 0
// means no response was received.
func (m *Metrics) RecordPlatformRequest(operation string, status int, duration time.Duration) {
	m.PlatformRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.PlatformRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPlatformRetry records a platform request retry.
func (m *Metrics) RecordPlatformRetry(operation string) {
	m.PlatformRetriesTotal.WithLabelValues(operation).Inc()
}

// SetPlatformCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetPlatformCircuitBreakerState(state float64) {
	m.PlatformCircuitBreakerState.Set(state)
}

// CacheHit records a hit on the named resolver cache.
func (m *Metrics) CacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// CacheMiss records a miss on the named resolver cache.
func (m *Metrics) CacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordResolveBatch records one batch resolution and its per-record outcomes.
func (m *Metrics) RecordResolveBatch(duration time.Duration, resolved, unresolved int) {
	m.ResolveBatchDuration.Observe(duration.Seconds())
	m.ResolutionsTotal.WithLabelValues("resolved").Add(float64(resolved))
	m.ResolutionsTotal.WithLabelValues("unresolved").Add(float64(unresolved))
}

// RecordActivePathFallback records instances that fell back to the full
// stage list.
func (m *Metrics) RecordActivePathFallback(count int) {
	m.ActivePathFallbacksTotal.Add(float64(count))
}

// RecordViewLoad records a view load outcome: applied, superseded, cancelled
// or failed.
func (m *Metrics) RecordViewLoad(outcome string) {
	m.ViewLoadsTotal.WithLabelValues(outcome).Inc()
}

// SetViewsActive sets the number of initialized views.
func (m *Metrics) SetViewsActive(n int) {
	m.ViewsActive.Set(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context, with
// sub-router wildcards collapsed. Falls back to the raw URL path if no
// pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
