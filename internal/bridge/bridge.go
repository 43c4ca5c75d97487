// Package bridge implements the extension-mediated execution surface: a
// websocket hub that relays tab commands to browser extensions running on
// registered client machines and routes their replies and lifecycle events
// back into the relay core.
package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabrelay/tabrelay/internal/surface"
)

// Wire message types. Commands flow server -> extension and are answered by
// a RESULT carrying the same id; events flow extension -> server with no id.
const (
	cmdOpenTab    = "OPEN_TAB"
	cmdNavigate   = "NAVIGATE_TO_URL"
	cmdClick      = "CLICK_ELEMENT"
	cmdFill       = "FILL_FORM_FIELD"
	cmdScreenshot = "TAKE_SCREENSHOT"
	cmdGetContent = "GET_CONTENT"
	cmdQuery      = "QUERY_ELEMENT"
	cmdCloseTab   = "CLOSE_TAB"

	evtResult       = "RESULT"
	evtLoadComplete = "LOAD_COMPLETE"
	evtTabClosed    = "TAB_CLOSED"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireMsg is the envelope for every frame on the extension socket.
type wireMsg struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type loadEvent struct {
	url string
	err error
}

// remoteTab maps a tab handle to the client connection and the extension's
// own tab id.
type remoteTab struct {
	clientID string
	remoteID string
}

// Hub is the extension-side execution surface. One socket per client; every
// in-page operation is addressed to a specific remote tab so concurrent
// sessions on one client never interfere.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*clientConn
	tabs     map[surface.TabHandle]remoteTab
	waiters  map[surface.TabHandle]chan loadEvent
	onClosed func(surface.TabHandle)
	timeout  time.Duration
}

// NewHub creates the bridge hub. commandTimeout bounds every round trip to
// an extension; zero means 30 seconds.
func NewHub(commandTimeout time.Duration) *Hub {
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &Hub{
		conns:   make(map[string]*clientConn),
		tabs:    make(map[surface.TabHandle]remoteTab),
		waiters: make(map[surface.TabHandle]chan loadEvent),
		timeout: commandTimeout,
	}
}

// OnTabClosed registers the external-closure callback. Must be set during
// wiring, before any client connects.
func (h *Hub) OnTabClosed(fn func(surface.TabHandle)) {
	h.onClosed = fn
}

// HandleSocket upgrades the request to the extension websocket for clientID.
// A reconnect replaces the previous socket; its tabs are reconciled as
// externally closed since the extension that owned them is gone.
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request, clientID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: failed to upgrade socket for %s: %v", clientID, err)
		return
	}

	conn := &clientConn{
		clientID: clientID,
		ws:       ws,
		pending:  make(map[string]chan wireMsg),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conns[clientID]
	h.conns[clientID] = conn
	h.mu.Unlock()
	if old != nil {
		old.shutdown()
		h.dropClientTabs(clientID, conn)
	}

	log.Printf("bridge: client %s connected", clientID)
	h.readLoop(conn)
}

func (h *Hub) readLoop(conn *clientConn) {
	defer func() {
		conn.shutdown()

		h.mu.Lock()
		current := h.conns[conn.clientID] == conn
		if current {
			delete(h.conns, conn.clientID)
		}
		h.mu.Unlock()

		if current {
			log.Printf("bridge: client %s disconnected", conn.clientID)
			h.dropClientTabs(conn.clientID, nil)
		}
	}()

	for {
		var msg wireMsg
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("bridge: read error from %s: %v", conn.clientID, err)
			}
			return
		}
		if msg.ID != "" {
			conn.deliver(msg)
			continue
		}
		h.handleEvent(conn.clientID, msg)
	}
}

func (h *Hub) handleEvent(clientID string, msg wireMsg) {
	remoteID, _ := msg.Data["tabId"].(string)
	handle := h.findHandle(clientID, remoteID)
	if handle == "" {
		return
	}

	switch msg.Type {
	case evtLoadComplete:
		url, _ := msg.Data["url"].(string)
		h.resolveLoad(handle, loadEvent{url: url})
	case evtTabClosed:
		h.mu.Lock()
		delete(h.tabs, handle)
		h.mu.Unlock()
		h.resolveLoad(handle, loadEvent{err: surface.ErrTabGone})
		if h.onClosed != nil {
			h.onClosed(handle)
		}
	}
}

// dropClientTabs reconciles every tab owned by clientID as externally closed.
// Used when the client's socket goes away; its browsing contexts are
// unreachable from here on.
func (h *Hub) dropClientTabs(clientID string, keep *clientConn) {
	h.mu.Lock()
	if keep != nil && h.conns[clientID] != keep {
		h.mu.Unlock()
		return
	}
	var dropped []surface.TabHandle
	for handle, rt := range h.tabs {
		if rt.clientID == clientID {
			delete(h.tabs, handle)
			dropped = append(dropped, handle)
		}
	}
	h.mu.Unlock()

	for _, handle := range dropped {
		h.resolveLoad(handle, loadEvent{err: surface.ErrTabGone})
		if h.onClosed != nil {
			h.onClosed(handle)
		}
	}
}

func (h *Hub) findHandle(clientID, remoteID string) surface.TabHandle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for handle, rt := range h.tabs {
		if rt.clientID == clientID && rt.remoteID == remoteID {
			return handle
		}
	}
	return ""
}

func (h *Hub) conn(clientID string) (*clientConn, error) {
	h.mu.RLock()
	conn := h.conns[clientID]
	h.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", surface.ErrClientUnavailable, clientID)
	}
	return conn, nil
}

func (h *Hub) tab(handle surface.TabHandle) (remoteTab, *clientConn, error) {
	h.mu.RLock()
	rt, ok := h.tabs[handle]
	conn := h.conns[rt.clientID]
	h.mu.RUnlock()
	if !ok {
		return remoteTab{}, nil, surface.ErrTabGone
	}
	if conn == nil {
		return remoteTab{}, nil, fmt.Errorf("%w: %s", surface.ErrClientUnavailable, rt.clientID)
	}
	return rt, conn, nil
}

// registerLoadWaiter parks a single-use channel for the tab's next
// load-complete event. Only an event carrying this exact tab's id resolves
// it; unrelated tabs' loads are invisible to the waiter.
func (h *Hub) registerLoadWaiter(handle surface.TabHandle) chan loadEvent {
	ch := make(chan loadEvent, 1)
	h.mu.Lock()
	h.waiters[handle] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) resolveLoad(handle surface.TabHandle, evt loadEvent) {
	h.mu.Lock()
	ch := h.waiters[handle]
	delete(h.waiters, handle)
	h.mu.Unlock()
	if ch != nil {
		ch <- evt
	}
}

func (h *Hub) discardLoadWaiter(handle surface.TabHandle, ch chan loadEvent) {
	h.mu.Lock()
	if h.waiters[handle] == ch {
		delete(h.waiters, handle)
	}
	h.mu.Unlock()
}

// OpenTab asks the client's extension to open a tab and returns its handle.
func (h *Hub) OpenTab(ctx context.Context, opts surface.OpenOptions) (surface.TabHandle, error) {
	conn, err := h.conn(opts.ClientID)
	if err != nil {
		return "", err
	}

	resp, err := conn.send(ctx, h.timeout, cmdOpenTab, map[string]any{
		"browser":  string(opts.Browser),
		"headless": opts.Headless,
	})
	if err != nil {
		return "", err
	}
	remoteID, _ := resp.Data["tabId"].(string)
	if remoteID == "" {
		return "", fmt.Errorf("extension returned no tab id")
	}

	handle := surface.TabHandle(uuid.New().String())
	h.mu.Lock()
	h.tabs[handle] = remoteTab{clientID: opts.ClientID, remoteID: remoteID}
	h.mu.Unlock()
	return handle, nil
}

// Navigate relays the navigation and, when waitForLoad is set, blocks until
// this tab's own LOAD_COMPLETE event arrives.
func (h *Hub) Navigate(ctx context.Context, handle surface.TabHandle, url string, waitForLoad bool) (string, error) {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return "", err
	}

	var loadCh chan loadEvent
	if waitForLoad {
		loadCh = h.registerLoadWaiter(handle)
		defer h.discardLoadWaiter(handle, loadCh)
	}

	resp, err := conn.send(ctx, h.timeout, cmdNavigate, map[string]any{
		"tabId": rt.remoteID,
		"url":   url,
	})
	if err != nil {
		return "", err
	}
	finalURL, _ := resp.Data["url"].(string)
	if finalURL == "" {
		finalURL = url
	}
	if !waitForLoad {
		return finalURL, nil
	}

	select {
	case evt := <-loadCh:
		if evt.err != nil {
			return "", evt.err
		}
		if evt.url != "" {
			finalURL = evt.url
		}
		return finalURL, nil
	case <-ctx.Done():
		return "", fmt.Errorf("load wait for %s: %w", url, ctx.Err())
	}
}

// CloseTab relays the close. Unknown handles are a no-op, and a client that
// already went away counts as closed.
func (h *Hub) CloseTab(ctx context.Context, handle surface.TabHandle) error {
	h.mu.Lock()
	rt, ok := h.tabs[handle]
	if ok {
		delete(h.tabs, handle)
	}
	conn := h.conns[rt.clientID]
	h.mu.Unlock()
	if !ok || conn == nil {
		return nil
	}

	if _, err := conn.send(ctx, h.timeout, cmdCloseTab, map[string]any{"tabId": rt.remoteID}); err != nil {
		log.Printf("bridge: close of tab %s on %s failed: %v", rt.remoteID, rt.clientID, err)
	}
	return nil
}

// Screenshot relays the capture and writes the returned PNG to path.
func (h *Hub) Screenshot(ctx context.Context, handle surface.TabHandle, fullPage bool, path string) (string, error) {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return "", err
	}
	resp, err := conn.send(ctx, h.timeout, cmdScreenshot, map[string]any{
		"tabId":    rt.remoteID,
		"fullPage": fullPage,
	})
	if err != nil {
		return "", err
	}
	encoded, _ := resp.Data["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid screenshot payload: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// ElementExists relays a selector probe.
func (h *Hub) ElementExists(ctx context.Context, handle surface.TabHandle, selector string) (bool, error) {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return false, err
	}
	resp, err := conn.send(ctx, h.timeout, cmdQuery, map[string]any{
		"tabId":    rt.remoteID,
		"selector": selector,
	})
	if err != nil {
		return false, err
	}
	found, _ := resp.Data["found"].(bool)
	return found, nil
}

// Click relays a click; the extension scrolls the element into view first.
func (h *Hub) Click(ctx context.Context, handle surface.TabHandle, selector string) error {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return err
	}
	_, err = conn.send(ctx, h.timeout, cmdClick, map[string]any{
		"tabId":    rt.remoteID,
		"selector": selector,
	})
	return err
}

// Fill relays a form fill; the extension dispatches input and change events
// after setting the value.
func (h *Hub) Fill(ctx context.Context, handle surface.TabHandle, selector, value string, clearFirst bool) error {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return err
	}
	_, err = conn.send(ctx, h.timeout, cmdFill, map[string]any{
		"tabId":      rt.remoteID,
		"selector":   selector,
		"value":      value,
		"clearFirst": clearFirst,
	})
	return err
}

// Text relays content extraction for selector, or the whole body when empty.
func (h *Hub) Text(ctx context.Context, handle surface.TabHandle, selector string) (string, error) {
	resp, err := h.getContent(ctx, handle, selector)
	if err != nil {
		return "", err
	}
	content, _ := resp.Data["content"].(string)
	return content, nil
}

// Title relays a title read.
func (h *Hub) Title(ctx context.Context, handle surface.TabHandle) (string, error) {
	resp, err := h.getContent(ctx, handle, "")
	if err != nil {
		return "", err
	}
	title, _ := resp.Data["title"].(string)
	return title, nil
}

func (h *Hub) getContent(ctx context.Context, handle surface.TabHandle, selector string) (wireMsg, error) {
	rt, conn, err := h.tab(handle)
	if err != nil {
		return wireMsg{}, err
	}
	return conn.send(ctx, h.timeout, cmdGetContent, map[string]any{
		"tabId":    rt.remoteID,
		"selector": selector,
	})
}

// Shutdown closes every client socket.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	conns := make([]*clientConn, 0, len(h.conns))
	for id, conn := range h.conns {
		conns = append(conns, conn)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
	return nil
}
