// Package mw contains HTTP middleware for the pricewatch API.
package mw

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// HeaderInternalAuth carries the shared secret for service-to-service
// calls from the UI layer and the pattern generator.
const HeaderInternalAuth = "X-Internal-Auth"

// InternalAuth enforces the shared-secret header on every request except
// the health probe. With an empty key it passes everything through, for
// deployments where the network boundary does the gating.
func InternalAuth(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get(HeaderInternalAuth)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				logger.Warn("rejected request with bad internal auth",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"title":"Unauthorized","status":401,"detail":"missing or invalid internal auth header"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
