package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	AttemptsTotal          *prometheus.CounterVec
	AttemptDuration        *prometheus.HistogramVec
	ProviderRedeemDuration *prometheus.HistogramVec
	LinkerResultsTotal     *prometheus.CounterVec
	RedirectResultsTotal   *prometheus.CounterVec

	// Lookup cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailuresTotal *prometheus.CounterVec
	AuditFallbackWrites     prometheus.Counter

	// Maintenance metrics
	SessionsExpiredTotal prometheus.Counter
	AuditArchivedTotal   prometheus.Counter
	RateLimitedTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authbroker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_attempts_total",
				Help: "Authentication attempts by method and final state",
			},
			[]string{"method", "state"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authbroker_attempt_duration_seconds",
				Help:    "End-to-end authentication pipeline duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ProviderRedeemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authbroker_provider_redeem_duration_seconds",
				Help:    "Credential provider redemption latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),
		LinkerResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_linker_results_total",
				Help: "Account linking results",
			},
			[]string{"method", "result"},
		),
		RedirectResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_redirect_results_total",
				Help: "Redirect resolution results",
			},
			[]string{"result"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_audit_write_failures_total",
				Help: "Audit store write failures",
			},
			[]string{"operation"},
		),
		AuditFallbackWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authbroker_audit_fallback_writes_total",
				Help: "Terminal audit records written to the fallback store",
			},
		),

		SessionsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authbroker_sessions_expired_total",
				Help: "Expired sessions removed by maintenance",
			},
		),
		AuditArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authbroker_audit_archived_total",
				Help: "Audit records archived and removed by retention",
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authbroker_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.ProviderRedeemDuration,
		m.LinkerResultsTotal,
		m.RedirectResultsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.AuditWriteFailuresTotal,
		m.AuditFallbackWrites,
		m.SessionsExpiredTotal,
		m.AuditArchivedTotal,
		m.RateLimitedTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// routeName maps a request to a low-cardinality label.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
