// Package middleware provides key-based admission for the /api surface.
// Only clients holding the shared secret (the official frontend and the
// monitor's own internal calls) may reach the backend.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// replayWindow bounds the optional X-Request-Time timestamp check.
const replayWindow = 5 * time.Minute

// RequireAPIKey validates X-API-Key on every /api request.  Paths in
// whitelist skip the check, as do CORS preflights.  When the request also
// carries an X-Request-Time header (epoch milliseconds) it must fall within
// the replay window; malformed timestamps are ignored.
//
// An empty secret disables admission entirely.
func RequireAPIKey(secret string, whitelist []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(whitelist))
	for _, p := range whitelist {
		allowed[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" ||
				r.Method == http.MethodOptions ||
				!strings.HasPrefix(r.URL.Path, "/api/") ||
				allowed[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			if ts := r.Header.Get("X-Request-Time"); ts != "" {
				if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
					diff := time.Since(time.UnixMilli(ms))
					if diff < 0 {
						diff = -diff
					}
					if diff > replayWindow {
						writeError(w, http.StatusUnauthorized, "request expired")
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
