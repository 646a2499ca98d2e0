package observability

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/okutu/kazi/internal/config"
)

// --- Metrics ---

func TestNewMetricsCollector_RegistersAll(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("nil registry")
	}

	m.TasksEnqueuedTotal.Inc()
	m.BrowserSessionsTotal.WithLabelValues("start", "ok").Inc()
	m.BrowserSessionActive.Set(1)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		"kazi_queue_tasks_enqueued_total": false,
		"kazi_browser_sessions_total":     false,
		"kazi_browser_session_active":     false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestMetricsCollector_CounterValues(t *testing.T) {
	m := NewMetricsCollector()
	m.TasksEnqueuedTotal.Inc()
	m.TasksEnqueuedTotal.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var got *dto.Metric
	for _, mf := range families {
		if mf.GetName() == "kazi_queue_tasks_enqueued_total" {
			got = mf.GetMetric()[0]
		}
	}
	if got == nil {
		t.Fatal("counter not found")
	}
	if v := got.GetCounter().GetValue(); v != 2 {
		t.Errorf("value = %v, want 2", v)
	}
}

// --- Health ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if !h.Ready(context.Background()) {
		t.Error("Ready() = false with no checks")
	}
}

func TestHealthChecker_DegradedOnFailure(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(context.Context) error { return nil })
	h.AddCheck("broker", func(context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
	if status.Checks["database"].Status != "ok" {
		t.Errorf("database check = %+v", status.Checks["database"])
	}
	if status.Checks["broker"].Status != "fail" || status.Checks["broker"].Message == "" {
		t.Errorf("broker check = %+v", status.Checks["broker"])
	}
	if h.Ready(context.Background()) {
		t.Error("Ready() = true while degraded")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("always-failing", func(context.Context) error { return errors.New("down") })
	// Liveness is process-up, independent of dependency checks.
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

// --- Tracing ---

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ts != nil {
		t.Fatal("expected nil setup for nil config")
	}
	// Nil-safe accessors.
	if ts.Tracer() == nil {
		t.Error("nil setup must return a noop tracer, not nil")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("nil shutdown: %v", err)
	}
}

func TestNewTracerSetup_DisabledConfig(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if ts != nil {
		t.Fatal("expected nil setup when disabled")
	}
}
