// Package api provides HTTP handlers for the hashintel status surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/grapnel-io/hashintel/internal/middleware"
	"github.com/grapnel-io/hashintel/internal/service"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code is picked up by the logging middleware for 4xx/5xx
// responses when the handler calls SetErrorCode on the context and passes
// the updated context here.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status code for service error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeConflict:
		return http.StatusConflict
	case service.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
