// Package middleware carries the request-scoped concerns of the HTTP
// gateway: correlation IDs, principal authentication and per-instance rate
// limiting.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationKey contextKey = "correlation_id"
	principalKey   contextKey = "principal"

	// HeaderCorrelationID is echoed on every response.
	HeaderCorrelationID = "X-Correlation-Id"
)

// Correlation mints a correlation ID when the caller did not send one and
// propagates it through the request context and the response header.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = "corr-" + uuid.NewString()[:8]
		}
		w.Header().Set(HeaderCorrelationID, id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID extracts the request's correlation ID.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}
