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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	workerDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Metrics holds all Prometheus metric instruments for the runtime. A nil
// *Metrics records nothing.
type Metrics struct {
	// HTTP metrics (admin router)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	NodeExecutionsTotal      *prometheus.CounterVec
	LostRacesTotal           *prometheus.CounterVec
	JoinTimeoutsTotal        *prometheus.CounterVec

	// Action metrics
	ActionExecutionsTotal *prometheus.CounterVec
	ActionDuration        *prometheus.HistogramVec

	// Outbox and worker metrics
	OutboxDispatchTotal *prometheus.CounterVec
	WorkerCyclesTotal   *prometheus.CounterVec
	WorkerCycleDuration *prometheus.HistogramVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_workflow_completions_total",
			Help: "Total number of workflow instances reaching a final or suspended status.",
		}, []string{"definition_id", "status"}),
		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_node_executions_total",
			Help: "Total number of node executor runs.",
		}, []string{"type", "outcome"}),
		LostRacesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_lost_races_total",
			Help: "Total number of runtime calls abandoned after lock or version conflicts.",
		}, []string{"operation"}),
		JoinTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_join_timeouts_total",
			Help: "Total number of parallel join timeouts applied.",
		}, []string{"on_timeout"}),

		// Actions
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_action_executions_total",
			Help: "Total number of automatic action executions.",
		}, []string{"kind", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_action_duration_seconds",
			Help:    "Automatic action execution duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"kind"}),

		// Outbox and workers
		OutboxDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_outbox_dispatch_total",
			Help: "Total number of outbox dispatch attempts by result.",
		}, []string{"result"}),
		WorkerCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_worker_cycles_total",
			Help: "Total number of background worker cycles.",
		}, []string{"worker", "result"}),
		WorkerCycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_worker_cycle_duration_seconds",
			Help:    "Background worker cycle duration in seconds.",
			Buckets: workerDurationBuckets,
		}, []string{"worker"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_definitions_loaded",
			Help: "Number of workflow definitions seeded at startup.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.NodeExecutionsTotal,
		m.LostRacesTotal,
		m.JoinTimeoutsTotal,
		m.ActionExecutionsTotal,
		m.ActionDuration,
		m.OutboxDispatchTotal,
		m.WorkerCyclesTotal,
		m.WorkerCycleDuration,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definitionID).Inc()
}

// RecordWorkflowCompletion records an instance reaching status.
func (m *Metrics) RecordWorkflowCompletion(definitionID, status string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definitionID, status).Inc()
}

// RecordNodeExecution records one node executor run.
func (m *Metrics) RecordNodeExecution(nodeType, outcome string) {
	if m == nil {
		return
	}
	m.NodeExecutionsTotal.WithLabelValues(nodeType, outcome).Inc()
}

// RecordLostRace records a call abandoned after exhausting its retries.
func (m *Metrics) RecordLostRace(operation string) {
	if m == nil {
		return
	}
	m.LostRacesTotal.WithLabelValues(operation).Inc()
}

// RecordJoinTimeout records an applied join timeout.
func (m *Metrics) RecordJoinTimeout(onTimeout string) {
	if m == nil {
		return
	}
	m.JoinTimeoutsTotal.WithLabelValues(onTimeout).Inc()
}

// RecordActionExecution records an automatic action execution.
func (m *Metrics) RecordActionExecution(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(kind, result).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordOutboxDispatch records an outbox dispatch attempt.
func (m *Metrics) RecordOutboxDispatch(result string) {
	if m == nil {
		return
	}
	m.OutboxDispatchTotal.WithLabelValues(result).Inc()
}

// RecordWorkerCycle records one background worker cycle.
func (m *Metrics) RecordWorkerCycle(worker, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkerCyclesTotal.WithLabelValues(worker, result).Inc()
	m.WorkerCycleDuration.WithLabelValues(worker).Observe(duration.Seconds())
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

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
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
