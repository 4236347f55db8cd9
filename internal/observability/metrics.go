package observability

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: fedauth).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "fedauth",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// FEDAUTH_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("FEDAUTH_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Login outcomes recorded by RecordLogin.
const (
	LoginRedirected    = "redirected"
	LoginSelection     = "selection"
	LoginAuthenticated = "authenticated"
	LoginNewAccount    = "new_account"
	LoginFailed        = "failed"
)

// Metrics holds the Prometheus collectors for the service. Each Metrics owns
// its registry. All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	rateLimit        *prometheus.CounterVec
	activeConns      prometheus.Gauge
	logins           *prometheus.CounterVec
	migrations       *prometheus.CounterVec
	groupChanges     *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "fedauth"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rate_limit_requests_total",
			Help: "Total rate limit decisions",
		}, []string{"status"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_connections",
			Help: "Current number of in-flight HTTP requests",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "login_attempts_total",
			Help: "Federated login attempts by issuer and outcome",
		}, []string{"issuer", "outcome"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "account_migrations_total",
			Help: "Legacy accounts bound to a federated identity, by match method",
		}, []string{"method"}),
		groupChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "group_changes_total",
			Help: "Federation-managed group memberships added or removed",
		}, []string{"op"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "provider_request_duration_seconds",
			Help:    "Time spent in the identity provider exchange",
			Buckets: prometheus.DefBuckets,
		}, []string{"issuer"}),
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "info",
		Help: "Application information",
	}, []string{"version"})
	info.WithLabelValues(cfg.Version).Set(1)

	m.registry.MustRegister(
		info,
		m.httpRequests, m.httpDuration, m.rateLimit, m.activeConns,
		m.logins, m.migrations, m.groupChanges, m.providerDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	p := normalizePath(path)
	m.httpRequests.WithLabelValues(method, p, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, p).Observe(duration.Seconds())
}

// RecordRateLimitAllowed increments the count of allowed requests.
func (m *Metrics) RecordRateLimitAllowed() {
	if m != nil {
		m.rateLimit.WithLabelValues("allowed").Inc()
	}
}

// RecordRateLimitRejected increments the count of rejected requests.
func (m *Metrics) RecordRateLimitRejected() {
	if m != nil {
		m.rateLimit.WithLabelValues("rejected").Inc()
	}
}

// IncrementActiveConnections increments the active connection gauge.
func (m *Metrics) IncrementActiveConnections() {
	if m != nil {
		m.activeConns.Inc()
	}
}

// DecrementActiveConnections decrements the active connection gauge.
func (m *Metrics) DecrementActiveConnections() {
	if m != nil {
		m.activeConns.Dec()
	}
}

// RecordLogin counts one login attempt. issuer may be empty when none was
// selected yet.
func (m *Metrics) RecordLogin(issuer, outcome string) {
	if m == nil {
		return
	}
	if issuer == "" {
		issuer = "none"
	}
	m.logins.WithLabelValues(issuer, outcome).Inc()
}

// RecordMigration counts a legacy account bound by "email" or "username".
func (m *Metrics) RecordMigration(method string) {
	if m != nil {
		m.migrations.WithLabelValues(method).Inc()
	}
}

// RecordGroupChanges counts memberships added and removed in one sync.
func (m *Metrics) RecordGroupChanges(added, removed int) {
	if m == nil {
		return
	}
	if added > 0 {
		m.groupChanges.WithLabelValues("add").Add(float64(added))
	}
	if removed > 0 {
		m.groupChanges.WithLabelValues("remove").Add(float64(removed))
	}
}

// ObserveProvider records the duration of one provider exchange.
func (m *Metrics) ObserveProvider(issuer string, d time.Duration) {
	if m != nil {
		m.providerDuration.WithLabelValues(issuer).Observe(d.Seconds())
	}
}

// normalizePath normalizes URL paths to reduce cardinality.
// It replaces numeric IDs and UUIDs with {id} placeholders.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler returns an http.Handler that serves the registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics endpoint itself to avoid recursion
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for compatibility with
// http.ResponseController and other wrapping utilities.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
