package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only appear in Gather output once a label set exists.
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.RecordWorkflowStart("def")
	m.RecordWorkflowCompletion("def", "Completed")
	m.RecordNodeExecution("start", "advance")
	m.RecordLostRace("continue")
	m.RecordJoinTimeout("fail")
	m.RecordActionExecution("noop", "success", time.Millisecond)
	m.RecordOutboxDispatch("success")
	m.RecordWorkerCycle("outbox", "ok", time.Millisecond)
	m.SetDefinitionsLoaded(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"loom_http_requests_total",
		"loom_http_request_duration_seconds",
		"loom_workflow_starts_total",
		"loom_workflow_completions_total",
		"loom_node_executions_total",
		"loom_lost_races_total",
		"loom_join_timeouts_total",
		"loom_action_executions_total",
		"loom_action_duration_seconds",
		"loom_outbox_dispatch_total",
		"loom_worker_cycles_total",
		"loom_worker_cycle_duration_seconds",
		"loom_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("onboarding")
	m.RecordWorkflowStart("onboarding")
	m.RecordWorkflowCompletion("onboarding", "Completed")

	if v := testutil.ToFloat64(m.WorkflowStartsTotal.WithLabelValues("onboarding")); v != 2 {
		t.Errorf("starts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("onboarding", "Completed")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
}

func TestRecordOutboxDispatch(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOutboxDispatch("failure")
	m.RecordOutboxDispatch("failure")
	m.RecordOutboxDispatch("gave_up")

	if v := testutil.ToFloat64(m.OutboxDispatchTotal.WithLabelValues("failure")); v != 2 {
		t.Errorf("failures = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.OutboxDispatchTotal.WithLabelValues("gave_up")); v != 1 {
		t.Errorf("gave_up = %v, want 1", v)
	}
}

func TestRecordWorkerCycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkerCycle("timer", "ok", 5*time.Millisecond)
	m.RecordWorkerCycle("timer", "error", 5*time.Millisecond)

	if v := testutil.ToFloat64(m.WorkerCyclesTotal.WithLabelValues("timer", "error")); v != 1 {
		t.Errorf("error cycles = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.WorkerCycleDuration); count == 0 {
		t.Error("expected worker duration histogram to have observations")
	}
}

func TestNilMetrics_isNoop(t *testing.T) {
	var m *Metrics
	m.RecordWorkflowStart("x")
	m.RecordNodeExecution("end", "consume")
	m.RecordWorkerCycle("outbox", "ok", time.Second)
	m.SetDefinitionsLoaded(3)
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/instances/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances/abc", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/instances/{instanceId}", "404"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordWorkflowStart("served")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `loom_workflow_starts_total{definition_id="served"} 1`) {
		t.Error("metrics response should contain the recorded start")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"action": actionDurationBuckets,
		"worker": workerDurationBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
