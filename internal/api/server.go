package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tabrelay/tabrelay/internal/bridge"
	"github.com/tabrelay/tabrelay/internal/notify"
	"github.com/tabrelay/tabrelay/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. bridgeHub and events may be nil
// when a deployment does not carry them.
func (h *Handler) SetupRoutes(bridgeHub *bridge.Hub, events *notify.Hub, limiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Command endpoints are rate limited per client.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(limiter, requestsPerHour))

	limited.HandleFunc("/clients/{clientID}/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}", h.GetSession).Methods("GET")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}", h.CloseSession).Methods("DELETE")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}/navigate", h.sessionAction("navigate")).Methods("POST", "OPTIONS")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}/click", h.sessionAction("click")).Methods("POST", "OPTIONS")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}/fill", h.sessionAction("fill")).Methods("POST", "OPTIONS")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}/screenshot", h.sessionAction("take_screenshot")).Methods("POST", "OPTIONS")
	limited.HandleFunc("/clients/{clientID}/sessions/{sessionID}/content", h.GetContent).Methods("GET")
	limited.HandleFunc("/commands", h.DispatchCommand).Methods("POST")

	// Registration and introspection are not rate limited.
	api.HandleFunc("/clients", h.RegisterClient).Methods("POST")
	api.HandleFunc("/clients", h.ListClients).Methods("GET")
	api.HandleFunc("/clients/{clientID}/sessions/{sessionID}/artifacts", h.GetArtifacts).Methods("GET")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{sessionID}", h.GetSessionFlat).Methods("GET")

	if bridgeHub != nil {
		api.HandleFunc("/clients/{clientID}/ws", func(w http.ResponseWriter, r *http.Request) {
			bridgeHub.HandleSocket(w, r, mux.Vars(r)["clientID"])
		}).Methods("GET")
	}
	if events != nil {
		api.HandleFunc("/events", events.HandleSocket).Methods("GET")
	}

	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers so extension and browser-based callers
// can reach the control API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
