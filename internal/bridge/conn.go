package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientConn is one extension socket. Writes are serialized; replies are
// matched to in-flight commands by id.
type clientConn struct {
	clientID string
	ws       *websocket.Conn
	writeMu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireMsg

	closeOnce sync.Once
	closed    chan struct{}
}

// send writes one command frame and waits for its reply, bounded by the
// caller's context and the hub command timeout.
func (c *clientConn) send(ctx context.Context, timeout time.Duration, typ string, data map[string]any) (wireMsg, error) {
	id := uuid.New().String()
	ch := make(chan wireMsg, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return wireMsg{}, fmt.Errorf("connection to %s is closed", c.clientID)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := wireMsg{ID: id, Type: typ, Data: data}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return wireMsg{}, fmt.Errorf("failed to send %s to %s: %w", typ, c.clientID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == "error" {
			return wireMsg{}, fmt.Errorf("%s failed on %s: %s", typ, c.clientID, resp.Message)
		}
		return resp, nil
	case <-c.closed:
		return wireMsg{}, fmt.Errorf("connection to %s closed mid-command", c.clientID)
	case <-timer.C:
		return wireMsg{}, fmt.Errorf("%s to %s timed out after %s", typ, c.clientID, timeout)
	case <-ctx.Done():
		return wireMsg{}, fmt.Errorf("%s to %s: %w", typ, c.clientID, ctx.Err())
	}
}

// deliver routes a reply frame to the command waiting on its id.
func (c *clientConn) deliver(msg wireMsg) {
	c.mu.Lock()
	ch := c.pending[msg.ID]
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- msg:
		default:
		}
	}
}

// shutdown closes the socket and unblocks every in-flight command.
func (c *clientConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	})
}
