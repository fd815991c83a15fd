package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/middleware"
	"github.com/grapnel-io/hashintel/internal/service"
)

// defaultAuditLimit bounds audit listings when the caller gives no limit.
const defaultAuditLimit = 100

// StatusHandlers serves the read-only status surface: registry stats, queue
// depth, and audit listings.
type StatusHandlers struct {
	svc    *service.Service
	audits audit.Repository
	logger *slog.Logger
}

// NewStatusHandlers creates the status handlers.
func NewStatusHandlers(svc *service.Service, audits audit.Repository, logger *slog.Logger) *StatusHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandlers{
		svc:    svc,
		audits: audits,
		logger: logger,
	}
}

// Status handles GET /status.
// Returns registry stats, total matches, and queue depth as JSON.
func (h *StatusHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), "bad_request")
		WriteError(w, ctx, http.StatusMethodNotAllowed, "bad_request", "Method not allowed")
		return
	}

	stats, err := h.svc.GetStats(r.Context())
	if err != nil {
		code := service.ErrorCode(err)
		ctx := middleware.SetErrorCode(r.Context(), code)
		h.logger.ErrorContext(ctx, "failed to collect stats", slog.String("error", err.Error()))
		WriteError(w, ctx, StatusCodeMapping(code), code, "Failed to collect stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Audit handles GET /status/audit/{system}?limit=N.
// Returns the newest audit entries recorded for one source system.
func (h *StatusHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), "bad_request")
		WriteError(w, ctx, http.StatusMethodNotAllowed, "bad_request", "Method not allowed")
		return
	}

	system := strings.TrimPrefix(r.URL.Path, "/status/audit/")
	if system == "" || strings.Contains(system, "/") || !hash.SourceSystem(system).Valid() {
		ctx := middleware.SetErrorCode(r.Context(), service.CodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, service.CodeValidation, "Unknown source system")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ctx := middleware.SetErrorCode(r.Context(), service.CodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, service.CodeValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.audits.ListBySystem(r.Context(), system, limit)
	if err != nil {
		if errors.Is(err, audit.ErrMissingActingSystem) {
			ctx := middleware.SetErrorCode(r.Context(), service.CodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, service.CodeValidation, "Unknown source system")
			return
		}
		ctx := middleware.SetErrorCode(r.Context(), service.CodeInternal)
		h.logger.ErrorContext(ctx, "failed to list audit entries", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, service.CodeInternal, "Failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"system":  system,
		"entries": entries,
		"count":   len(entries),
	})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
