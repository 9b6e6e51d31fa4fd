package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Snapshot cache metrics
	CacheLookupsTotal   *prometheus.CounterVec
	CacheErrorsTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	LocalCacheEntries   prometheus.Gauge
	BuildsTotal         *prometheus.CounterVec
	BuildDuration       prometheus.Histogram

	// Invalidation bus metrics
	InvalidationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permengine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_decisions_total",
				Help: "Permission checks by effect and reason code",
			},
			[]string{"effect", "reason"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permengine_decision_duration_seconds",
				Help:    "Permission check latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, 1},
			},
			[]string{"effect"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_cache_lookups_total",
				Help: "Snapshot cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_cache_errors_total",
				Help: "Snapshot cache failures by tier and operation",
			},
			[]string{"tier", "operation"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_cache_evictions_total",
				Help: "Snapshots evicted from the local tier",
			},
			[]string{"reason"},
		),
		LocalCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permengine_local_cache_entries",
				Help: "Snapshots currently held in the local tier",
			},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_snapshot_builds_total",
				Help: "Snapshot builds by status",
			},
			[]string{"status"},
		),
		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permengine_snapshot_build_duration_seconds",
				Help:    "Snapshot build duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permengine_invalidations_total",
				Help: "Invalidation messages by direction and status",
			},
			[]string{"direction", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permengine_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permengine_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permengine_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.CacheLookupsTotal,
		m.CacheErrorsTotal,
		m.CacheEvictionsTotal,
		m.LocalCacheEntries,
		m.BuildsTotal,
		m.BuildDuration,
		m.InvalidationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// RecordCacheLookup counts a hit or miss on one cache tier
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordCacheError counts a failed cache operation
func (m *Metrics) RecordCacheError(tier, op string) {
	m.CacheErrorsTotal.WithLabelValues(tier, op).Inc()
}

// RecordBuild records one snapshot build
func (m *Metrics) RecordBuild(duration time.Duration, err error) {
	m.BuildsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.BuildDuration.Observe(duration.Seconds())
}

// RecordDecision records one permission check
func (m *Metrics) RecordDecision(effect, reason string, duration time.Duration) {
	m.DecisionsTotal.WithLabelValues(effect, reason).Inc()
	m.DecisionDuration.WithLabelValues(effect).Observe(duration.Seconds())
}

// RecordInvalidation counts a published ("out") or received ("in") message
func (m *Metrics) RecordInvalidation(direction string, err error) {
	m.InvalidationsTotal.WithLabelValues(direction, statusLabel(err)).Inc()
}

// RecordEviction counts local-tier evictions and refreshes the size gauge
func (m *Metrics) RecordEviction(reason string, evicted, remaining int) {
	if evicted > 0 {
		m.CacheEvictionsTotal.WithLabelValues(reason).Add(float64(evicted))
	}
	m.LocalCacheEntries.Set(float64(remaining))
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel uses the mux route template so tenant and user ids stay out of labels
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
