package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/cache"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/match"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/ratelimit"
	"github.com/grapnel-io/hashintel/internal/service"
)

func newStatusFixture(t *testing.T) (*StatusHandlers, *service.Service, *audit.InMemoryRepository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := hash.NewInMemoryRepository()
	matches := match.NewInMemoryRepository()
	subs := notify.NewInMemorySubscriptionRepository()
	queue := notify.NewInMemoryQueueRepository()
	audits := audit.NewInMemoryRepository()
	auditor := audit.NewLogger(audits, logger)
	engine := match.NewEngine(registry, matches, subs, queue, auditor, match.NewMetrics(), logger, match.EngineConfig{})
	svc := service.New(registry, cache.NewMemoryStore(100, time.Minute), cache.NewMetrics(), engine,
		matches, subs, queue, ratelimit.NewInMemoryStore(), auditor, logger, service.Config{})
	return NewStatusHandlers(svc, audits, logger), svc, audits
}

func TestStatus(t *testing.T) {
	handlers, svc, _ := newStatusFixture(t)

	sub := service.Submission{
		HashValue: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		HashType:  hash.TypeSHA256,
		SourceID:  "case-1",
	}
	if _, err := svc.RegisterHashes(context.Background(), hash.SystemTrace, []service.Submission{sub}); err != nil {
		t.Fatalf("RegisterHashes() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handlers.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats service.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Registry == nil || stats.Registry.Total != 1 {
		t.Errorf("registry stats = %+v, want total 1", stats.Registry)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	handlers, _, _ := newStatusFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/status", nil)
	rec := httptest.NewRecorder()
	handlers.Status(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAuditListing(t *testing.T) {
	handlers, _, audits := newStatusFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := audits.Append(ctx, audit.ActionLookup, "grapnel", "", nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/status/audit/grapnel?limit=2", nil)
	rec := httptest.NewRecorder()
	handlers.Audit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		System  string         `json:"system"`
		Entries []*audit.Entry `json:"entries"`
		Count   int            `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.System != "grapnel" || resp.Count != 2 || len(resp.Entries) != 2 {
		t.Errorf("response = %+v, want 2 grapnel entries", resp)
	}
}

func TestAuditValidation(t *testing.T) {
	handlers, _, _ := newStatusFixture(t)

	tests := []struct {
		name string
		path string
	}{
		{"unknown system", "/status/audit/unknown-system"},
		{"empty system", "/status/audit/"},
		{"nested path", "/status/audit/trace/extra"},
		{"bad limit", "/status/audit/trace?limit=zero"},
		{"negative limit", "/status/audit/trace?limit=-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			handlers.Audit(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if resp.Error.Code != service.CodeValidation {
				t.Errorf("error code = %q, want %q", resp.Error.Code, service.CodeValidation)
			}
		})
	}
}
