// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// sourceSystemKey is the context key for the calling source system.
type sourceSystemKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// SetSourceSystem stores the calling source system in the context.
// Handlers set this once the X-Source-System header has been parsed.
func SetSourceSystem(ctx context.Context, system string) context.Context {
	return context.WithValue(ctx, sourceSystemKey{}, system)
}

// GetSourceSystem retrieves the source system from context. Returns empty string if not present.
func GetSourceSystem(ctx context.Context) string {
	if system, ok := ctx.Value(sourceSystemKey{}).(string); ok {
		return system
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

// UpdateResponseContext hands a derived context back to the logging middleware
// so values set by handlers (like the error code) appear in the request log.
// It is a no-op when the writer is not wrapped by Logging.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	if rw, ok := w.(*responseWriter); ok {
		rw.ctx = ctx
	}
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code; subsequent calls are ignored
// to match http.ResponseWriter behavior where only the first status is sent.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// newResponseWriter creates a new responseWriter with default 200 status.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields.
// It captures: method, path, status, latency (ms), request ID, source system
// (if present), response size, and error_code (for error responses).
//
// Note: If a handler panics, the log entry will not be written. To ensure logging
// even on panics, place a recovery middleware outside of the logging middleware.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := newResponseWriter(w)

			// Call the next handler
			next.ServeHTTP(rw, r)

			// Calculate latency in milliseconds
			latency := time.Since(start).Milliseconds()

			// Prefer the handler-updated context when present
			logCtx := r.Context()
			if rw.ctx != nil {
				logCtx = rw.ctx
			}

			// Build log attributes
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", latency),
				slog.Int("size", rw.size),
			}

			// Add request ID if present
			if requestID := GetRequestID(logCtx); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}

			// Add source system if present
			if system := GetSourceSystem(logCtx); system != "" {
				attrs = append(attrs, slog.String("source_system", system))
			}

			// Add error code for error responses (4xx and 5xx)
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(logCtx); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			// Log at appropriate level based on status code using LogAttrs
			if rw.statusCode >= 500 {
				logger.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
			} else if rw.statusCode >= 400 {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed", attrs...)
			} else {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
