package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tabrelay/tabrelay/internal/ratelimit"
)

// RateLimitMiddleware enforces the per-client request budget on command
// endpoints.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)
			if clientID == "" {
				// No client attribution, nothing to limit against.
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(clientID) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(clientID))))
			next.ServeHTTP(w, r)
		})
	}
}

// getClientID extracts the client attribution for rate limiting: path first,
// then query, then header.
func getClientID(r *http.Request) string {
	if id := mux.Vars(r)["clientID"]; id != "" {
		return id
	}
	if id := r.URL.Query().Get("clientId"); id != "" {
		return id
	}
	return r.Header.Get("X-Client-ID")
}
