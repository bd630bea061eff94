// Package auth provides API key middleware for curator-only endpoints.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyHeader is the HTTP header carrying the curator API key
const APIKeyHeader = "X-API-Key"

// RequireCuratorKey returns middleware that rejects requests whose API key
// does not match the configured curator key. An empty configured key
// disables the check, which is the expected mode for local development.
func RequireCuratorKey(curatorKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if curatorKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				unauthorized(w, "missing API key")
				return
			}
			if key != curatorKey {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
