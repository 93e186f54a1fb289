package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	clientIDKey      contextKey = "clientId"
	correlationIDKey contextKey = "correlationId"
)

// ClientIDMiddleware reads the X-Client-ID header and adds it to context.
// This allows correlation of all sync operations from one device.
func ClientIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-Client-ID")

		if clientID != "" {
			ctx := context.WithValue(r.Context(), clientIDKey, clientID)

			// Build client logger from existing contextual logger (preserves correlation ID)
			logger := log.Ctx(ctx).With().Str("clientId", clientID).Logger()
			ctx = logger.WithContext(ctx)

			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// GetClientID retrieves the client ID from context
func GetClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(clientIDKey).(string); ok {
		return clientID
	}
	return ""
}

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context.
// Generates a new correlation ID if client doesn't provide one.
// This enables end-to-end request tracing across client and server logs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
