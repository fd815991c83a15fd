// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDHeader carries the correlation ID the source systems pass so a
// registration or lookup can be traced across their logs and ours.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request a correlation ID: the caller's
// X-Request-ID when one is supplied, a fresh UUID otherwise. The ID is
// echoed on the response and stored in the context so the logging
// middleware and error envelopes can carry it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request's correlation ID, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
