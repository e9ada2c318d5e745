// Package metrics exposes Prometheus counters for security events.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	authAttempts      *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	recoveryEvents    *prometheus.CounterVec
	linkAccesses      *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tresor_auth_attempts_total",
				Help: "Authentication attempts by plugin and result",
			},
			[]string{"plugin", "result"},
		),
		integrityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tresor_integrity_failures_total",
				Help: "Stored records rejected because their MAC did not verify",
			},
			[]string{"record"},
		),
		recoveryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tresor_recovery_events_total",
				Help: "Recovery entries created, tokens sent and recoveries",
			},
			[]string{"event"},
		),
		linkAccesses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tresor_link_accesses_total",
				Help: "Password link accesses by result",
			},
			[]string{"result"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tresor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tresor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AuthAttempt counts one authentication attempt.
func (m *Metrics) AuthAttempt(plugin, result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(plugin, result).Inc()
}

// IntegrityFailure counts one rejected record.
func (m *Metrics) IntegrityFailure(record string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(record).Inc()
}

// RecoveryEvent counts one recovery lifecycle event.
func (m *Metrics) RecoveryEvent(event string) {
	if m == nil {
		return
	}
	m.recoveryEvents.WithLabelValues(event).Inc()
}

// LinkAccess counts one password link access.
func (m *Metrics) LinkAccess(result string) {
	if m == nil {
		return
	}
	m.linkAccesses.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations by chi route pattern,
// so link ids and tokens never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}
