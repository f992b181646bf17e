// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyValidator is a function that validates an API key.
type APIKeyValidator func(key string) bool

// Auth creates an authentication middleware that validates API keys.
// Requests under /admin are checked against validateAdmin so the
// operator surface can carry its own credential; a nil validateAdmin
// leaves admin routes on the general key.
func Auth(validate, validateAdmin APIKeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health stays open for load balancer checks
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			check := validate
			if validateAdmin != nil && strings.HasPrefix(r.URL.Path, "/admin") {
				check = validateAdmin
			}

			apiKey := extractAPIKey(r)
			if apiKey == "" {
				logger.Warn("missing API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Missing API key")
				return
			}

			if !check(apiKey) {
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey reads the key from the Authorization bearer token or the
// x-api-key header.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// writeAuthError writes an authentication error in OpenAI API format.
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"` + message + `"}}`))
}
