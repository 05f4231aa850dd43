package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/archdraw/internal/codecheck"
	"github.com/jkaninda/archdraw/internal/config"
	"github.com/jkaninda/archdraw/internal/executor"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.ProviderWrapper() != nil {
		t.Error("nil Observability should not wrap providers")
	}
	if obs.Tracing() == nil {
		t.Error("Tracing() must return a no-op tracer when disabled")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("metrics should be enabled")
	}
	wrap := obs.ProviderWrapper()
	if wrap == nil {
		t.Fatal("expected a provider wrapper")
	}
	if _, ok := wrap(&mockProvider{name: "gigachat"}).(*InstrumentedProvider); !ok {
		t.Error("wrapper should return an InstrumentedProvider")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.LLMRequestsTotal.WithLabelValues("gigachat", "success").Inc()
	m.AttemptsTotal.WithLabelValues("succeeded").Inc()
	m.SessionsTotal.WithLabelValues("succeeded").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"archdraw_llm_requests_total",
		"archdraw_diagram_attempts_total",
		"archdraw_diagram_sessions_total",
		"archdraw_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_Sessions(t *testing.T) {
	m := NewMetricsCollector()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("succeeded", 2*time.Second)

	if got := gaugeValue(t, m.Registry, "archdraw_diagram_active_sessions"); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "archdraw_diagram_sessions_total", prometheus.Labels{"status": "succeeded"}); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}

	var nilM *MetricsCollector
	nilM.SessionStarted()
	nilM.SessionFinished("exhausted", time.Second)
	nilM.GatewayUpdate("telegram", "message")
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("workspace", func(ctx context.Context) error { return errors.New("read-only") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("storage = %+v", status.Checks["storage"])
	}
	if c := status.Checks["workspace"]; c.Status != "fail" || c.Message != "read-only" {
		t.Errorf("workspace = %+v", c)
	}
}

func TestDirWritable(t *testing.T) {
	dir := t.TempDir()
	if err := DirWritable(dir)(context.Background()); err != nil {
		t.Fatalf("writable dir: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
	if err := DirWritable(filepath.Join(dir, "missing"))(context.Background()); err == nil {
		t.Error("expected error for missing dir")
	}
}

// --- Wrappers ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "gigachat",
		resp: &llm.Response{Content: "code", Usage: llm.Usage{InputTokens: 10, OutputTokens: 20}},
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "code" || inner.called != 1 {
		t.Errorf("content = %q, called = %d", resp.Content, inner.called)
	}
	if got := counterValue(t, metrics.Registry, "archdraw_llm_requests_total", prometheus.Labels{"provider": "gigachat", "status": "success"}); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "archdraw_llm_tokens_used_total", prometheus.Labels{"provider": "gigachat", "direction": "output"}); got != 20 {
		t.Errorf("output tokens = %v, want 20", got)
	}
}

func TestInstrumentedProvider_ErrorNilMetrics(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "x", err: errors.New("api error")}, nil, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}
	if p.Name() != "x" {
		t.Errorf("Name() = %q", p.Name())
	}
}

type mockSandbox struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedSandbox_Status(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockSandbox
		status string
	}{
		{"success", &mockSandbox{result: &sandbox.ExecutionResult{}}, "success"},
		{"nonzero", &mockSandbox{result: &sandbox.ExecutionResult{ExitCode: 1}}, "nonzero_exit"},
		{"timeout", &mockSandbox{err: sandbox.ErrTimeout}, "timeout"},
		{"error", &mockSandbox{err: errors.New("fork failed")}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			s := NewInstrumentedSandbox(tt.inner, "process", metrics, nil)
			s.Execute(context.Background(), sandbox.ExecutionRequest{})
			if got := counterValue(t, metrics.Registry, "archdraw_sandbox_executions_total", prometheus.Labels{"type": "process", "status": tt.status}); got != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tt.status, got)
			}
		})
	}
}

type mockExecutor struct {
	err error
}

func (m *mockExecutor) Execute(ctx context.Context, code, requesterID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "/d/diagram.png", nil
}

func TestInstrumentedExecutor(t *testing.T) {
	metrics := NewMetricsCollector()
	rejected := &executor.ValidationRejected{Verdict: codecheck.Verdict{Reason: codecheck.ReasonForbidden}}

	NewInstrumentedExecutor(&mockExecutor{}, metrics).Execute(context.Background(), "c", "u")
	NewInstrumentedExecutor(&mockExecutor{err: rejected}, metrics).Execute(context.Background(), "c", "u")
	NewInstrumentedExecutor(&mockExecutor{err: rejected}, metrics).Execute(context.Background(), "c", "u")

	if got := counterValue(t, metrics.Registry, "archdraw_diagram_attempts_total", prometheus.Labels{"outcome": "succeeded"}); got != 1 {
		t.Errorf("succeeded attempts = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "archdraw_diagram_validation_rejections_total", prometheus.Labels{"reason": "forbidden-construct"}); got != 2 {
		t.Errorf("rejections = %v, want 2", got)
	}

	artifact, err := NewInstrumentedExecutor(&mockExecutor{}, nil).Execute(context.Background(), "c", "u")
	if err != nil || artifact == "" {
		t.Errorf("nil metrics: %q, %v", artifact, err)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
