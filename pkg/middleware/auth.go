package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// callerKey is the context key carrying the authenticated caller id
type contextKey string

const callerKey contextKey = "caller_id"

// APIKeyAuth validates requests against a static key-to-owner mapping. Key
// issuance and storage live outside this service; it only checks presented
// keys. Keys arrive either as "Authorization: Bearer <key>" or in the
// X-API-Key header.
type APIKeyAuth struct {
	// keys maps an API key to the owner id it authenticates.
	keys map[string]string
}

// NewAPIKeyAuth creates auth middleware from a key-to-owner mapping
func NewAPIKeyAuth(keys map[string]string) *APIKeyAuth {
	return &APIKeyAuth{keys: keys}
}

// Handler wraps an HTTP handler with API key authentication. When no keys
// are configured authentication is disabled and requests pass through
// anonymously.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" {
			unauthorized(w, "missing API key")
			return
		}

		owner := a.lookup(key)
		if owner == "" {
			unauthorized(w, "invalid API key")
			return
		}

		ctx := WithCaller(r.Context(), owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookup finds the owner for a key using constant-time comparison
func (a *APIKeyAuth) lookup(presented string) string {
	for key, owner := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return owner
		}
	}
	return ""
}

func extractKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// WithCaller attaches a caller id to the context
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey, callerID)
}

// CallerFrom returns the authenticated caller id, or "" when the request
// was anonymous
func CallerFrom(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey).(string); ok {
		return id
	}
	return ""
}
