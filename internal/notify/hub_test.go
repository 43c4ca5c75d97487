package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/pkg/models"
)

func TestObserverReceivesStateChanges(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The subscription lands before the write loop starts; wait for it so
	// the broadcast below is not dropped.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subs) == 1
	}, time.Second, 5*time.Millisecond)

	hub.SessionChanged(models.Session{
		ID:         "s1",
		ClientID:   "c1",
		Status:     models.StatusNavigated,
		CurrentURL: "https://example.com",
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	require.NoError(t, ws.ReadJSON(&evt))
	assert.Equal(t, "session_state_changed", evt.Type)
	assert.Equal(t, "c1", evt.ClientID)
	assert.Equal(t, "s1", evt.SessionID)
	assert.Equal(t, models.StatusNavigated, evt.Status)
	assert.Equal(t, "https://example.com", evt.URL)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestBroadcastWithoutObserversIsSafe(t *testing.T) {
	hub := NewHub()
	hub.SessionChanged(models.Session{ID: "s1", ClientID: "c1", Status: models.StatusClosed})
}
