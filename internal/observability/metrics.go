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
	executeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowExecutionsTotal  *prometheus.CounterVec
	WorkflowExecuteDuration  *prometheus.HistogramVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowPausesTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowHookFailures     *prometheus.CounterVec
	WorkflowChainLimitHits   *prometheus.CounterVec
	WorkflowLockWait         prometheus.Histogram
	WorkflowSweepsTotal      *prometheus.CounterVec

	// Webhook metrics
	WebhookRequestsTotal       *prometheus.CounterVec
	WebhookRequestDuration     *prometheus.HistogramVec
	WebhookCircuitBreakerState *prometheus.GaugeVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_id"}),
		WorkflowExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_executions_total",
			Help: "Total number of execute calls by outcome.",
		}, []string{"workflow_id", "outcome"}),
		WorkflowExecuteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_workflow_execute_duration_seconds",
			Help:    "Duration of a single execute call in seconds.",
			Buckets: executeDurationBuckets,
		}, []string{"workflow_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_transitions_total",
			Help: "Total number of transitions taken.",
		}, []string{"workflow_id", "transition_id", "mode"}),
		WorkflowPausesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_pauses_total",
			Help: "Total number of times an instance paused.",
		}, []string{"workflow_id", "action_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_workflow_active_instances",
			Help: "Number of non-terminal workflow instances started by this process.",
		}, []string{"workflow_id"}),
		WorkflowHookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_hook_failures_total",
			Help: "Total number of failed post-transition hooks.",
		}, []string{"workflow_id", "hook"}),
		WorkflowChainLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_chain_limit_total",
			Help: "Total number of execute calls aborted by the chain limit.",
		}, []string{"workflow_id"}),
		WorkflowLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_workflow_lock_wait_seconds",
			Help:    "Time spent waiting for an instance lock.",
			Buckets: executeDurationBuckets,
		}),
		WorkflowSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_sweeps_total",
			Help: "Total number of instances re-executed by the sweeper.",
		}, []string{"outcome"}),

		// Webhooks
		WebhookRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_webhook_requests_total",
			Help: "Total number of outbound webhook requests.",
		}, []string{"host", "status"}),
		WebhookRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_webhook_request_duration_seconds",
			Help:    "Outbound webhook request duration in seconds.",
			Buckets: executeDurationBuckets,
		}, []string{"host"}),
		WebhookCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_webhook_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowExecutionsTotal,
		m.WorkflowExecuteDuration,
		m.WorkflowTransitionsTotal,
		m.WorkflowPausesTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowHookFailures,
		m.WorkflowChainLimitHits,
		m.WorkflowLockWait,
		m.WorkflowSweepsTotal,
		// Webhooks
		m.WebhookRequestsTotal,
		m.WebhookRequestDuration,
		m.WebhookCircuitBreakerState,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowExecution records the outcome and duration of an execute call.
func (m *Metrics) RecordWorkflowExecution(workflowID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowExecutionsTotal.WithLabelValues(workflowID, outcome).Inc()
	m.WorkflowExecuteDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordWorkflowTransition records a transition. Mode is "auto" or "manual".
func (m *Metrics) RecordWorkflowTransition(workflowID, transitionID, mode string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflowID, transitionID, mode).Inc()
}

// RecordWorkflowPause records an instance pausing on an action.
func (m *Metrics) RecordWorkflowPause(workflowID, actionID string) {
	if m == nil {
		return
	}
	m.WorkflowPausesTotal.WithLabelValues(workflowID, actionID).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordHookFailure records a failed post-transition hook.
func (m *Metrics) RecordHookFailure(workflowID, hook string) {
	if m == nil {
		return
	}
	m.WorkflowHookFailures.WithLabelValues(workflowID, hook).Inc()
}

// RecordChainLimit records an execute call aborted by the chain limit.
func (m *Metrics) RecordChainLimit(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowChainLimitHits.WithLabelValues(workflowID).Inc()
}

// RecordLockWait records time spent acquiring an instance lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowLockWait.Observe(d.Seconds())
}

// RecordSweep records the outcome of one sweeper re-execution.
func (m *Metrics) RecordSweep(outcome string) {
	if m == nil {
		return
	}
	m.WorkflowSweepsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookRequest records an outbound webhook request. A status of 0
// means the request failed before a response arrived.
func (m *Metrics) RecordWebhookRequest(host string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.WebhookRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// SetWebhookCircuitBreakerState sets the circuit breaker state for a host.
// State: 0=closed, 1=open, 2=half-open.
func (m *Metrics) SetWebhookCircuitBreakerState(host string, state float64) {
	if m == nil {
		return
	}
	m.WebhookCircuitBreakerState.WithLabelValues(host).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
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

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
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

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
