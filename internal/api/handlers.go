package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tabrelay/tabrelay/internal/relay"
	"github.com/tabrelay/tabrelay/internal/storage"
	"github.com/tabrelay/tabrelay/pkg/models"
)

// Handler holds dependencies for the HTTP handlers. Every command flows
// through the relay router so the HTTP layer stays thin I/O.
type Handler struct {
	router *relay.Router
	shots  *storage.ScreenshotStore
}

// NewHandler creates the HTTP handler set.
func NewHandler(router *relay.Router, shots *storage.ScreenshotStore) *Handler {
	return &Handler{router: router, shots: shots}
}

// kindStatus maps relay failure kinds to HTTP status codes.
func kindStatus(kind string) int {
	switch relay.Kind(kind) {
	case relay.KindUnknownAction, relay.KindInvalidArgument:
		return http.StatusBadRequest
	case relay.KindSessionNotFound, relay.KindElementNotFound:
		return http.StatusNotFound
	case relay.KindSessionAlreadyExists, relay.KindSessionClosed:
		return http.StatusConflict
	case relay.KindLimitExceeded:
		return http.StatusTooManyRequests
	case relay.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResult renders a command result, mapping error kinds to status codes.
func writeResult(w http.ResponseWriter, okStatus int, res models.CommandResult) {
	if res.Status == models.CommandError {
		writeJSON(w, kindStatus(res.Kind), res)
		return
	}
	writeJSON(w, okStatus, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// RegisterClient handles POST /v1/clients.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterClientRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params := relay.Params{
		"clientId":  req.ClientID,
		"browser":   req.ClientInfo.Browser,
		"userAgent": req.ClientInfo.UserAgent,
	}
	caps := make([]any, 0, len(req.ClientInfo.Capabilities))
	for _, c := range req.ClientInfo.Capabilities {
		caps = append(caps, c)
	}
	params["capabilities"] = caps

	writeResult(w, http.StatusCreated, h.router.Dispatch(r.Context(), "register_client", params))
}

// ListClients handles GET /v1/clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	res := h.router.Dispatch(r.Context(), "list_clients", nil)
	writeJSON(w, http.StatusOK, res.Data)
}

// CreateSession handles POST /v1/clients/{clientID}/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params := relay.Params{
		"clientId":  mux.Vars(r)["clientID"],
		"sessionId": req.SessionID,
		"browser":   string(req.Browser),
		"headless":  req.Headless,
	}
	writeResult(w, http.StatusCreated, h.router.Dispatch(r.Context(), "create_session", params))
}

// GetSession handles GET /v1/clients/{clientID}/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res := h.router.Dispatch(r.Context(), "get_session", relay.Params{
		"clientId":  vars["clientID"],
		"sessionId": vars["sessionID"],
	})
	if res.Status == models.CommandError {
		writeError(w, kindStatus(res.Kind), res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res.Data["session"])
}

// CloseSession handles DELETE /v1/clients/{clientID}/sessions/{sessionID}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeResult(w, http.StatusOK, h.router.Dispatch(r.Context(), "close_session", relay.Params{
		"clientId":  vars["clientID"],
		"sessionId": vars["sessionID"],
	}))
}

// sessionAction builds the common handler shape for the session-scoped
// command endpoints: path identifies the session, body carries the rest.
func (h *Handler) sessionAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := relay.Params{}
		if r.Body != nil && r.ContentLength != 0 {
			if !decodeBody(w, r, &params) {
				return
			}
		}
		vars := mux.Vars(r)
		params["clientId"] = vars["clientID"]
		params["sessionId"] = vars["sessionID"]
		writeResult(w, http.StatusOK, h.router.Dispatch(r.Context(), action, params))
	}
}

// GetContent handles GET /v1/clients/{clientID}/sessions/{sessionID}/content.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeResult(w, http.StatusOK, h.router.Dispatch(r.Context(), "get_content", relay.Params{
		"clientId":  vars["clientID"],
		"sessionId": vars["sessionID"],
		"selector":  r.URL.Query().Get("selector"),
	}))
}

// GetArtifacts handles GET /v1/clients/{clientID}/sessions/{sessionID}/artifacts,
// serving a tar.gz bundle of the session's screenshots. Artifacts outlive the
// session, so no registry lookup here.
func (h *Handler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	path, err := h.shots.Archive(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	res := h.router.Dispatch(r.Context(), "list_sessions", nil)
	writeJSON(w, http.StatusOK, res.Data)
}

// GetSessionFlat handles GET /v1/sessions/{sessionID}: lookup by session id
// alone, without a client scope.
func (h *Handler) GetSessionFlat(w http.ResponseWriter, r *http.Request) {
	res := h.router.Dispatch(r.Context(), "get_session", relay.Params{
		"sessionId": mux.Vars(r)["sessionID"],
	})
	if res.Status == models.CommandError {
		writeError(w, kindStatus(res.Kind), res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res.Data["session"])
}

// DispatchCommand handles POST /v1/commands, the generic action+params entry
// point.
func (h *Handler) DispatchCommand(w http.ResponseWriter, r *http.Request) {
	var req models.CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeResult(w, http.StatusOK, h.router.Dispatch(r.Context(), req.Action, relay.Params(req.Params)))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
