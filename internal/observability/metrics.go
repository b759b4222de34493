package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	scriptDurationBuckets  = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
)

// Metrics holds all Prometheus metric instruments of the bridge.
type Metrics struct {
	// HTTP metrics (ops router)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	PipelineRunsTotal      *prometheus.CounterVec
	PipelineRunDuration    *prometheus.HistogramVec
	ScriptInvocationsTotal *prometheus.CounterVec
	ScriptDuration         *prometheus.HistogramVec
	LedgerHitsTotal        *prometheus.CounterVec

	// Search metrics
	SearchTranslationsTotal *prometheus.CounterVec
	SearchDroppedParameters *prometheus.CounterVec

	// Backend repository metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// System metrics
	RuleReloadTotal          *prometheus.CounterVec
	ActiveRules              prometheus.Gauge
	RuleSetVersion           prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Pipelines
		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_pipeline_runs_total",
			Help: "Total number of transform pipeline runs.",
		}, []string{"rule_id", "outcome"}),
		PipelineRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirbridge_pipeline_run_duration_seconds",
			Help:    "Transform pipeline run duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"rule_id"}),
		ScriptInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_script_invocations_total",
			Help: "Total number of script invocations.",
		}, []string{"slot", "language", "status"}),
		ScriptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirbridge_script_duration_seconds",
			Help:    "Script invocation duration in seconds.",
			Buckets: scriptDurationBuckets,
		}, []string{"slot", "language"}),
		LedgerHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_handoff_ledger_hits_total",
			Help: "Total number of handoffs skipped because the ledger already held the effect.",
		}, []string{"rule_id"}),

		// Search
		SearchTranslationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_search_translations_total",
			Help: "Total number of search filter translations.",
		}, []string{"resource_type", "status"}),
		SearchDroppedParameters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_search_dropped_parameters_total",
			Help: "Total number of search parameters dropped by lenient translation.",
		}, []string{"resource_type", "parameter"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_backend_requests_total",
			Help: "Total number of backend repository requests.",
		}, []string{"backend", "method", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirbridge_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"backend"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhirbridge_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"backend"}),

		// System
		RuleReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbridge_rule_reload_total",
			Help: "Total rule set reloads.",
		}, []string{"status"}),
		ActiveRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhirbridge_active_rules",
			Help: "Number of active rules in the published snapshot.",
		}),
		RuleSetVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhirbridge_rule_set_version",
			Help: "Version of the published rule set.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhirbridge_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Pipelines
		m.PipelineRunsTotal,
		m.PipelineRunDuration,
		m.ScriptInvocationsTotal,
		m.ScriptDuration,
		m.LedgerHitsTotal,
		// Search
		m.SearchTranslationsTotal,
		m.SearchDroppedParameters,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// System
		m.RuleReloadTotal,
		m.ActiveRules,
		m.RuleSetVersion,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can be
// used without a registry in tests and CLI commands.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordPipelineRun records a finished pipeline run.
func (m *Metrics) RecordPipelineRun(ruleID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(ruleID, outcome).Inc()
	m.PipelineRunDuration.WithLabelValues(ruleID).Observe(duration.Seconds())
}

// RecordScriptInvocation records a single script invocation.
func (m *Metrics) RecordScriptInvocation(slot, language, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ScriptInvocationsTotal.WithLabelValues(slot, language, status).Inc()
	m.ScriptDuration.WithLabelValues(slot, language).Observe(duration.Seconds())
}

// RecordLedgerHit records a handoff skipped by the ledger.
func (m *Metrics) RecordLedgerHit(ruleID string) {
	if m == nil {
		return
	}
	m.LedgerHitsTotal.WithLabelValues(ruleID).Inc()
}

// RecordSearchTranslation records a search filter translation.
func (m *Metrics) RecordSearchTranslation(resourceType, status string) {
	if m == nil {
		return
	}
	m.SearchTranslationsTotal.WithLabelValues(resourceType, status).Inc()
}

// RecordDroppedParameter records a parameter dropped by lenient translation.
func (m *Metrics) RecordDroppedParameter(resourceType, parameter string) {
	if m == nil {
		return
	}
	m.SearchDroppedParameters.WithLabelValues(resourceType, parameter).Inc()
}

// RecordBackendRequest records a backend repository request.
func (m *Metrics) RecordBackendRequest(backend, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(backend, method, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a backend.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(backend string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(backend).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(backend string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordRuleReload records a rule set reload attempt.
func (m *Metrics) RecordRuleReload(status string) {
	if m == nil {
		return
	}
	m.RuleReloadTotal.WithLabelValues(status).Inc()
}

// SetActiveRules sets the number of active rules and the rule set version.
func (m *Metrics) SetActiveRules(count int, version int64) {
	if m == nil {
		return
	}
	m.ActiveRules.Set(float64(count))
	m.RuleSetVersion.Set(float64(version))
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
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
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
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
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
