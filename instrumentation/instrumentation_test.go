package instrumentation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if inst.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}

	// no-op instruments must accept calls
	ctx := context.Background()
	inst.Metrics().RecordHTTPRequest(ctx, http.MethodPost, "/oauth/token", 200, 1.5)
	inst.Metrics().RecordGrantRejected(ctx, "authorization_code", "expired")

	rec := httptest.NewRecorder()
	inst.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled /metrics status = %d, want 404", rec.Code)
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestNew_EnabledExportsPrometheus(t *testing.T) {
	inst, err := New(Config{Enabled: true, ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordCodeExchange(ctx)
	inst.Metrics().RecordToolCall(ctx, "eloa", "whoami", "success", 2)

	srv := httptest.NewServer(inst.PrometheusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"oauth_code_exchanged", "gateway_tool_calls"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestRecordStorageResult_NilSafe(t *testing.T) {
	// must not panic without instrumentation or span
	RecordStorageResult(context.Background(), nil, nil, "get_client", time.Now(), errors.New("boom"))
	RecordStorageResult(context.Background(), nil, nil, "get_client", time.Now(), nil)
}

func TestMetrics_NilInstrumentation(t *testing.T) {
	var inst *Instrumentation
	m := inst.Metrics()
	if m != nil {
		t.Fatalf("Metrics() on nil = %v, want nil", m)
	}
	m.RecordToolCall(context.Background(), "eloa", "whoami", "success", 1.5)
	m.RecordCodeReplayRejected(context.Background())
}
