// Package notify is the optional push channel: a websocket hub that
// broadcasts session-state-changed events to connected observers. The
// request/response path never depends on it.
package notify

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabrelay/tabrelay/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one session state change pushed to observers.
type Event struct {
	Type      string               `json:"type"`
	ClientID  string               `json:"clientId"`
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
	URL       string               `json:"url,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Hub fans session state changes out to websocket observers. Slow observers
// are dropped rather than allowed to block the registry.
type Hub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*websocket.Conn]chan Event)}
}

// HandleSocket upgrades the request and streams events until the observer
// disconnects.
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("notify: failed to upgrade socket: %v", err)
		return
	}

	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ws] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, ws)
		h.mu.Unlock()
		ws.Close()
	}()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				h.mu.Lock()
				sub := h.subs[ws]
				delete(h.subs, ws)
				h.mu.Unlock()
				if sub != nil {
					close(sub)
				}
				return
			}
		}
	}()

	for evt := range ch {
		if err := ws.WriteJSON(evt); err != nil {
			return
		}
	}
}

// SessionChanged is the registry state listener.
func (h *Hub) SessionChanged(sess models.Session) {
	evt := Event{
		Type:      "session_state_changed",
		ClientID:  sess.ClientID,
		SessionID: sess.ID,
		Status:    sess.Status,
		URL:       sess.CurrentURL,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	for ws, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Observer is not keeping up; drop it.
			delete(h.subs, ws)
			close(ch)
		}
	}
	h.mu.Unlock()
}
