package bridge

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/surface"
)

// fakeExtension is the far side of the socket: a scripted stand-in for the
// browser extension, replying to command frames and emitting events on cue.
type fakeExtension struct {
	t  *testing.T
	ws *websocket.Conn
}

func newBridgeFixture(t *testing.T, hub *Hub, clientID string) *fakeExtension {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleSocket(w, r, clientID)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	// The hub registers the socket before entering its read loop; wait for
	// the registration to land.
	require.Eventually(t, func() bool {
		_, err := hub.conn(clientID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	return &fakeExtension{t: t, ws: ws}
}

func (e *fakeExtension) next() wireMsg {
	e.t.Helper()
	e.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMsg
	require.NoError(e.t, e.ws.ReadJSON(&msg))
	return msg
}

func (e *fakeExtension) reply(id string, data map[string]any) {
	e.t.Helper()
	require.NoError(e.t, e.ws.WriteJSON(wireMsg{ID: id, Type: evtResult, Status: "success", Data: data}))
}

func (e *fakeExtension) replyError(id, message string) {
	e.t.Helper()
	require.NoError(e.t, e.ws.WriteJSON(wireMsg{ID: id, Type: evtResult, Status: "error", Message: message}))
}

func (e *fakeExtension) event(typ string, data map[string]any) {
	e.t.Helper()
	require.NoError(e.t, e.ws.WriteJSON(wireMsg{Type: typ, Data: data}))
}

// openTab drives one OpenTab round trip against the scripted extension.
func openTab(t *testing.T, hub *Hub, ext *fakeExtension, clientID, remoteID string) surface.TabHandle {
	t.Helper()
	type res struct {
		handle surface.TabHandle
		err    error
	}
	ch := make(chan res, 1)
	go func() {
		handle, err := hub.OpenTab(context.Background(), surface.OpenOptions{ClientID: clientID, Browser: "chrome"})
		ch <- res{handle, err}
	}()

	msg := ext.next()
	require.Equal(t, cmdOpenTab, msg.Type)
	ext.reply(msg.ID, map[string]any{"tabId": remoteID})

	r := <-ch
	require.NoError(t, r.err)
	require.NotEmpty(t, r.handle)
	return r.handle
}

func TestOpenTabUnregisteredClient(t *testing.T) {
	hub := NewHub(time.Second)

	_, err := hub.OpenTab(context.Background(), surface.OpenOptions{ClientID: "nobody"})
	assert.ErrorIs(t, err, surface.ErrClientUnavailable)
}

func TestNavigateWaitsForOwnTabsLoadEvent(t *testing.T) {
	hub := NewHub(2 * time.Second)
	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	type res struct {
		url string
		err error
	}
	ch := make(chan res, 1)
	go func() {
		url, err := hub.Navigate(context.Background(), handle, "https://example.com", true)
		ch <- res{url, err}
	}()

	msg := ext.next()
	require.Equal(t, cmdNavigate, msg.Type)
	assert.Equal(t, "remote-1", msg.Data["tabId"])
	ext.reply(msg.ID, map[string]any{"url": "https://example.com"})

	// A load event for a different tab must not resolve this wait.
	ext.event(evtLoadComplete, map[string]any{"tabId": "other-tab", "url": "https://wrong.example.com"})
	select {
	case r := <-ch:
		t.Fatalf("navigate resolved on another tab's load event: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}

	ext.event(evtLoadComplete, map[string]any{"tabId": "remote-1", "url": "https://example.com/final"})
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, "https://example.com/final", r.url)
	case <-time.After(2 * time.Second):
		t.Fatal("navigate did not resolve on its own load event")
	}
}

func TestNavigateWithoutLoadWaitReturnsImmediately(t *testing.T) {
	hub := NewHub(2 * time.Second)
	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	ch := make(chan string, 1)
	go func() {
		url, err := hub.Navigate(context.Background(), handle, "https://example.com", false)
		require.NoError(t, err)
		ch <- url
	}()

	msg := ext.next()
	ext.reply(msg.ID, nil)

	select {
	case url := <-ch:
		assert.Equal(t, "https://example.com", url)
	case <-time.After(2 * time.Second):
		t.Fatal("navigate without load wait blocked")
	}
}

func TestTabClosedEventFiresCallback(t *testing.T) {
	hub := NewHub(2 * time.Second)
	closedCh := make(chan surface.TabHandle, 1)
	hub.OnTabClosed(func(h surface.TabHandle) { closedCh <- h })

	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	ext.event(evtTabClosed, map[string]any{"tabId": "remote-1"})

	select {
	case got := <-closedCh:
		assert.Equal(t, handle, got)
	case <-time.After(2 * time.Second):
		t.Fatal("closure callback never fired")
	}

	// The handle is dead from here on.
	require.NoError(t, hub.CloseTab(context.Background(), handle))
	_, err := hub.ElementExists(context.Background(), handle, "#x")
	assert.ErrorIs(t, err, surface.ErrTabGone)
}

func TestDisconnectDropsClientTabs(t *testing.T) {
	hub := NewHub(2 * time.Second)
	closedCh := make(chan surface.TabHandle, 2)
	hub.OnTabClosed(func(h surface.TabHandle) { closedCh <- h })

	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	ext.ws.Close()

	select {
	case got := <-closedCh:
		assert.Equal(t, handle, got)
	case <-time.After(2 * time.Second):
		t.Fatal("tabs not reconciled on disconnect")
	}
}

func TestErrorResultSurfacesAsError(t *testing.T) {
	hub := NewHub(2 * time.Second)
	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hub.Click(context.Background(), handle, "#missing")
	}()

	msg := ext.next()
	require.Equal(t, cmdClick, msg.Type)
	ext.replyError(msg.ID, "element not visible")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "element not visible")
	case <-time.After(2 * time.Second):
		t.Fatal("click never returned")
	}
}

func TestScreenshotWritesDecodedPayload(t *testing.T) {
	hub := NewHub(2 * time.Second)
	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	path := filepath.Join(t.TempDir(), "shot.png")
	payload := []byte("png bytes")

	type res struct {
		path string
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		p, err := hub.Screenshot(context.Background(), handle, true, path)
		ch <- res{p, err}
	}()

	msg := ext.next()
	require.Equal(t, cmdScreenshot, msg.Type)
	assert.Equal(t, true, msg.Data["fullPage"])
	ext.reply(msg.ID, map[string]any{"data": base64.StdEncoding.EncodeToString(payload)})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, path, r.path)
		written, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, written)
	case <-time.After(2 * time.Second):
		t.Fatal("screenshot never returned")
	}
}

func TestCommandTimesOutWithoutReply(t *testing.T) {
	hub := NewHub(200 * time.Millisecond)
	ext := newBridgeFixture(t, hub, "c1")
	handle := openTab(t, hub, ext, "c1", "remote-1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hub.Click(context.Background(), handle, "#x")
	}()

	// Swallow the frame and never reply.
	ext.next()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("command did not time out")
	}
}
