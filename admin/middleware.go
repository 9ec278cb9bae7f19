package admin

import (
	"net/http"
	"strings"

	"github.com/maxpert/floodgate/cfg"
)

// AuthMiddleware validates key authentication for admin endpoints
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If admin auth is not enabled, skip authentication
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := cfg.GetAdminAuthKey()

		// Check X-Floodgate-Key header
		providedKey := r.Header.Get("X-Floodgate-Key")
		if providedKey == "" {
			// Check Authorization: Bearer header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			providedKey = parts[1]
		}

		if providedKey != key {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
