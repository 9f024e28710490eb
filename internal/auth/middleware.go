package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Middleware returns HTTP middleware enforcing Bearer API key
// authentication. Requests to skipPaths pass through unauthenticated,
// as does everything when noAuth is set. When rl is non-nil, failed
// attempts are tracked per client IP and repeat offenders are blocked
// for a cooldown period.
func Middleware(apiKey string, noAuth bool, skipPaths []string, rl *RateLimiter) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r)
			if rl != nil && rl.IsAuthBlocked(clientIP) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(clientIP)))
				writeError(w, http.StatusTooManyRequests, "rate_limited",
					"too many failed authentication attempts")
				return
			}

			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "no API key configured")
				return
			}

			key, ok := requestKey(r)
			if !ok {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized",
					"expected 'Authorization: Bearer <key>'")
				return
			}
			if !ValidateKey(key, apiKey) {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
				return
			}

			if rl != nil {
				rl.AuthSuccess(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestKey extracts the API key from the Authorization header, or
// from the api_key query parameter as a fallback for EventSource
// clients that cannot set headers.
func requestKey(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.CutPrefix(h, "Bearer ")
	}
	if q := r.URL.Query().Get("api_key"); q != "" {
		return q, true
	}
	return "", false
}

// writeError emits the error envelope shared with the runtime handlers.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
