package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRequestIDGenerated(t *testing.T) {
	var gotID string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotID == "" {
		t.Fatal("expected a request ID to be generated")
	}
	if header := rec.Header().Get("X-Request-ID"); header != gotID {
		t.Errorf("response header = %q, context value = %q", header, gotID)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var gotID string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotID != "client-supplied-id" {
		t.Errorf("request ID = %q, want client-supplied-id", gotID)
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	if GetSourceSystem(ctx) != "" || GetErrorCode(ctx) != "" {
		t.Error("empty context should yield empty values")
	}

	ctx = SetSourceSystem(ctx, "trace")
	ctx = SetErrorCode(ctx, "validation_error")
	if GetSourceSystem(ctx) != "trace" {
		t.Errorf("GetSourceSystem() = %q", GetSourceSystem(ctx))
	}
	if GetErrorCode(ctx) != "validation_error" {
		t.Errorf("GetErrorCode() = %q", GetErrorCode(ctx))
	}
}

func TestLoggingCapturesErrorCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetErrorCode(r.Context(), "rate_limited")
		UpdateResponseContext(w, ctx)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/register", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["status"] != float64(http.StatusTooManyRequests) {
		t.Errorf("logged status = %v, want 429", entry["status"])
	}
	if entry["error_code"] != "rate_limited" {
		t.Errorf("logged error_code = %v, want rate_limited", entry["error_code"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("logged level = %v, want WARN", entry["level"])
	}
}

func TestLoggingSuccessOmitsErrorCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	output := buf.String()
	if strings.Contains(output, "error_code") {
		t.Errorf("success log should not carry an error code: %s", output)
	}
	if !strings.Contains(output, `"status":200`) {
		t.Errorf("expected status 200 in log: %s", output)
	}
	if !strings.Contains(output, `"level":"INFO"`) {
		t.Errorf("expected INFO level: %s", output)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/status", "/status"},
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/status/audit/trace", "/status/audit/{system}"},
		{"/status/audit/grapnel", "/status/audit/{system}"},
		{"/status/audit/", "/status/audit/"},
		{"/status/audit/trace/extra", "/status/audit/trace/extra"},
		{"/unknown", "/unknown"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPMetricsRecords(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))

	for _, path := range []string{"/status", "/status/audit/trace", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var requests *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "http_requests_total" {
			requests = mf
		}
	}
	if requests == nil {
		t.Fatal("http_requests_total not registered")
	}

	paths := make(map[string]float64)
	for _, m := range requests.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "path" {
				paths[label.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	if paths["/status"] != 1 {
		t.Errorf("requests for /status = %v, want 1", paths["/status"])
	}
	if paths["/status/audit/{system}"] != 1 {
		t.Errorf("requests for audit pattern = %v, want 1", paths["/status/audit/{system}"])
	}
	// Probe endpoints stay out of the metrics.
	if paths["/health"] != 0 {
		t.Errorf("requests for /health = %v, want 0", paths["/health"])
	}
}
