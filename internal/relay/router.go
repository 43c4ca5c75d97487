package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tabrelay/tabrelay/internal/storage"
	"github.com/tabrelay/tabrelay/internal/surface"
	"github.com/tabrelay/tabrelay/pkg/models"
)

// Params carries the named arguments of one dispatched command.
type Params map[string]any

func (p Params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Params) boolOr(key string, def bool) bool {
	v, ok := p[key].(bool)
	if !ok {
		return def
	}
	return v
}

// RouterConfig bounds the router's suspension points. Zero values get the
// defaults below.
type RouterConfig struct {
	// ElementWait bounds polling for a selector to appear (default 10s).
	ElementWait time.Duration
	// PollInterval is the selector polling cadence (default 100ms).
	PollInterval time.Duration
	// NavigateTimeout bounds a navigation, including its load wait
	// (default 30s).
	NavigateTimeout time.Duration
	// CommandTimeout bounds every other surface call (default 15s).
	CommandTimeout time.Duration
}

func (c *RouterConfig) fill() {
	if c.ElementWait <= 0 {
		c.ElementWait = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
}

type handlerFunc func(ctx context.Context, p Params) (map[string]any, string, error)

// Router validates named actions against a fixed registry and dispatches them
// against the execution surface. Every failure is recovered here and returned
// as a structured CommandResult; nothing escapes to abort the control server.
type Router struct {
	reg      *Registry
	dir      *Directory
	surf     surface.Surface
	shots    *storage.ScreenshotStore
	cfg      RouterConfig
	handlers map[string]handlerFunc
}

// NewRouter wires the command router against the registry, directory, surface
// and screenshot store.
func NewRouter(reg *Registry, dir *Directory, surf surface.Surface, shots *storage.ScreenshotStore, cfg RouterConfig) *Router {
	cfg.fill()
	r := &Router{reg: reg, dir: dir, surf: surf, shots: shots, cfg: cfg}
	r.handlers = map[string]handlerFunc{
		"register_client": r.handleRegisterClient,
		"create_session":  r.handleCreateSession,
		"navigate":        r.handleNavigate,
		"click":           r.handleClick,
		"fill":            r.handleFill,
		"take_screenshot": r.handleScreenshot,
		"screenshot":      r.handleScreenshot,
		"get_content":     r.handleGetContent,
		"close_session":   r.handleClose,
		"close":           r.handleClose,
		"get_session":     r.handleGetSession,
		"list_sessions":   r.handleListSessions,
		"list_clients":    r.handleListClients,
	}
	return r
}

// Dispatch routes one named command. Unknown actions and every handler
// failure come back as an error envelope with a taxonomy kind; successful
// dispatch returns status success plus an action-appropriate payload.
func (r *Router) Dispatch(ctx context.Context, action string, p Params) models.CommandResult {
	if p == nil {
		p = Params{}
	}
	h, ok := r.handlers[action]
	if !ok {
		return models.CommandResult{
			Status:    models.CommandError,
			Kind:      string(KindUnknownAction),
			Message:   fmt.Sprintf("unknown action %q", action),
			SessionID: p.str("sessionId"),
		}
	}

	data, msg, err := h(ctx, p)
	if err != nil {
		log.Printf("relay: %s failed: %v", action, err)
		return models.CommandResult{
			Status:    models.CommandError,
			Kind:      string(KindOf(err)),
			Message:   err.Error(),
			SessionID: p.str("sessionId"),
		}
	}
	return models.CommandResult{
		Status:    models.CommandSuccess,
		Message:   msg,
		SessionID: p.str("sessionId"),
		Data:      data,
	}
}

func (r *Router) handleRegisterClient(_ context.Context, p Params) (map[string]any, string, error) {
	clientID := p.str("clientId")
	if clientID == "" {
		return nil, "", E(KindInvalidArgument, "clientId is required")
	}
	info := models.ClientInfo{
		Browser:   p.str("browser"),
		UserAgent: p.str("userAgent"),
	}
	if caps, ok := p["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				info.Capabilities = append(info.Capabilities, s)
			}
		}
	}
	rec := r.dir.Register(clientID, info)
	return map[string]any{
		"clientId":     rec.ID,
		"capabilities": rec.Capabilities,
		"registeredAt": rec.RegisteredAt,
	}, fmt.Sprintf("client %s registered", clientID), nil
}

func (r *Router) handleCreateSession(ctx context.Context, p Params) (map[string]any, string, error) {
	sess, err := r.reg.CreateSession(ctx, models.CreateSessionRequest{
		ClientID:  p.str("clientId"),
		SessionID: p.str("sessionId"),
		Browser:   models.BrowserKind(p.str("browser")),
		Headless:  p.boolOr("headless", false),
	})
	if err != nil {
		return nil, "", err
	}
	return map[string]any{
		"sessionId": sess.ID,
		"status":    "created",
		"tabId":     sess.TabID,
		"browser":   string(sess.Browser),
		"headless":  sess.Headless,
	}, fmt.Sprintf("session %s created on client %s", sess.ID, sess.ClientID), nil
}

// resolve performs the mandatory session lookup for session-scoped actions.
// A missing session is an error; the router never creates one implicitly.
func (r *Router) resolve(p Params) (*Active, error) {
	clientID := p.str("clientId")
	sessionID := p.str("sessionId")
	if clientID == "" || sessionID == "" {
		return nil, E(KindInvalidArgument, "clientId and sessionId are required")
	}
	return r.reg.Resolve(clientID, sessionID)
}

func (r *Router) handleNavigate(ctx context.Context, p Params) (map[string]any, string, error) {
	active, err := r.resolve(p)
	if err != nil {
		return nil, "", err
	}
	url := p.str("url")
	if url == "" {
		return nil, "", E(KindInvalidArgument, "url is required")
	}
	waitForLoad := p.boolOr("waitForLoad", true)

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigateTimeout)
	defer cancel()

	type navResult struct {
		finalURL string
		err      error
	}
	resCh := make(chan navResult, 1)
	go func() {
		finalURL, err := r.surf.Navigate(navCtx, active.Tab, url, waitForLoad)
		resCh <- navResult{finalURL: finalURL, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, "", r.classifySurfaceErr(active, res.err, KindNavigationFailed, "navigation to %s failed", url)
		}
		finalURL := res.finalURL
		if finalURL == "" {
			finalURL = url
		}
		r.reg.MarkNavigated(active.Session.ClientID, active.Session.ID, finalURL)
		return map[string]any{"url": finalURL}, fmt.Sprintf("navigated to %s", finalURL), nil
	case <-active.Done:
		return nil, "", E(KindSessionClosed, "session %s closed during navigation", active.Session.ID)
	case <-navCtx.Done():
		return nil, "", E(KindTimeout, "navigation to %s did not complete within %s", url, r.cfg.NavigateTimeout)
	}
}

func (r *Router) handleClick(ctx context.Context, p Params) (map[string]any, string, error) {
	active, err := r.resolve(p)
	if err != nil {
		return nil, "", err
	}
	selector := p.str("selector")
	if selector == "" {
		return nil, "", E(KindInvalidArgument, "selector is required")
	}

	if p.boolOr("waitForElement", true) {
		if err := r.awaitElement(ctx, active, selector); err != nil {
			return nil, "", err
		}
	} else {
		found, err := r.surf.ElementExists(ctx, active.Tab, selector)
		if err != nil {
			return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "element lookup failed")
		}
		if !found {
			return nil, "", E(KindElementNotFound, "no element matches selector %q", selector)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if err := r.surf.Click(opCtx, active.Tab, selector); err != nil {
		return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "click on %q failed", selector)
	}
	return map[string]any{"selector": selector}, fmt.Sprintf("clicked %s", selector), nil
}

func (r *Router) handleFill(ctx context.Context, p Params) (map[string]any, string, error) {
	active, err := r.resolve(p)
	if err != nil {
		return nil, "", err
	}
	selector := p.str("selector")
	if selector == "" {
		return nil, "", E(KindInvalidArgument, "selector is required")
	}
	value, ok := p["value"].(string)
	if !ok {
		return nil, "", E(KindInvalidArgument, "value is required")
	}

	// Forms commonly render asynchronously; fill always waits.
	if err := r.awaitElement(ctx, active, selector); err != nil {
		return nil, "", err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if err := r.surf.Fill(opCtx, active.Tab, selector, value, p.boolOr("clearFirst", true)); err != nil {
		return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "fill of %q failed", selector)
	}
	return map[string]any{"selector": selector}, fmt.Sprintf("filled %s", selector), nil
}

func (r *Router) handleScreenshot(ctx context.Context, p Params) (map[string]any, string, error) {
	active, err := r.resolve(p)
	if err != nil {
		return nil, "", err
	}

	path := r.shots.Resolve(active.Session.ID, p.str("path"))

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	resolved, err := r.surf.Screenshot(opCtx, active.Tab, p.boolOr("fullPage", false), path)
	if err != nil {
		return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "screenshot failed")
	}
	r.shots.Record(active.Session.ID, resolved)
	return map[string]any{"path": resolved}, fmt.Sprintf("screenshot saved to %s", resolved), nil
}

func (r *Router) handleGetContent(ctx context.Context, p Params) (map[string]any, string, error) {
	active, err := r.resolve(p)
	if err != nil {
		return nil, "", err
	}
	selector := p.str("selector")

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	if selector != "" {
		found, err := r.surf.ElementExists(opCtx, active.Tab, selector)
		if err != nil {
			return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "element lookup failed")
		}
		if !found {
			return nil, "", E(KindElementNotFound, "no element matches selector %q", selector)
		}
	}

	content, err := r.surf.Text(opCtx, active.Tab, selector)
	if err != nil {
		return nil, "", r.classifySurfaceErr(active, err, KindSurfaceFailure, "content extraction failed")
	}
	title, err := r.surf.Title(opCtx, active.Tab)
	if err != nil {
		title = ""
	}
	return map[string]any{"content": content, "title": title},
		fmt.Sprintf("extracted %d characters", len(content)), nil
}

func (r *Router) handleClose(ctx context.Context, p Params) (map[string]any, string, error) {
	clientID := p.str("clientId")
	sessionID := p.str("sessionId")
	if clientID == "" || sessionID == "" {
		return nil, "", E(KindInvalidArgument, "clientId and sessionId are required")
	}
	if err := r.reg.CloseSession(ctx, clientID, sessionID); err != nil {
		return nil, "", err
	}
	return nil, fmt.Sprintf("session %s closed", sessionID), nil
}

func (r *Router) handleGetSession(_ context.Context, p Params) (map[string]any, string, error) {
	sessionID := p.str("sessionId")
	if sessionID == "" {
		return nil, "", E(KindInvalidArgument, "sessionId is required")
	}
	var (
		sess models.Session
		err  error
	)
	if clientID := p.str("clientId"); clientID != "" {
		sess, err = r.reg.GetSession(clientID, sessionID)
	} else {
		sess, err = r.reg.FindBySessionID(sessionID)
	}
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"session": sess}, "", nil
}

func (r *Router) handleListSessions(_ context.Context, _ Params) (map[string]any, string, error) {
	sessions := r.reg.ListSessions()
	return map[string]any{"sessions": sessions, "count": len(sessions)}, "", nil
}

func (r *Router) handleListClients(_ context.Context, _ Params) (map[string]any, string, error) {
	clients := r.dir.List()
	return map[string]any{"clients": clients, "count": len(clients)}, "", nil
}

// awaitElement polls for selector presence on the session's tab, giving up
// with ElementNotFound at the configured deadline. The wait aborts fast when
// the session closes mid-poll rather than running the clock down.
func (r *Router) awaitElement(ctx context.Context, active *Active, selector string) error {
	deadline := time.NewTimer(r.cfg.ElementWait)
	defer deadline.Stop()
	tick := time.NewTicker(r.cfg.PollInterval)
	defer tick.Stop()

	for {
		found, err := r.surf.ElementExists(ctx, active.Tab, selector)
		if err != nil {
			return r.classifySurfaceErr(active, err, KindSurfaceFailure, "element lookup failed")
		}
		if found {
			return nil
		}

		select {
		case <-tick.C:
		case <-active.Done:
			return E(KindSessionClosed, "session %s closed while waiting for %q", active.Session.ID, selector)
		case <-deadline.C:
			return E(KindElementNotFound, "element %q did not appear within %s", selector, r.cfg.ElementWait)
		case <-ctx.Done():
			return E(KindTimeout, "wait for %q canceled: %v", selector, ctx.Err())
		}
	}
}

// classifySurfaceErr translates a failed surface call into the taxonomy. A
// dead browsing context is additionally reconciled so the registry does not
// retain the corpse.
func (r *Router) classifySurfaceErr(active *Active, err error, fallback Kind, format string, args ...any) error {
	select {
	case <-active.Done:
		return E(KindSessionClosed, "session %s closed mid-operation", active.Session.ID)
	default:
	}
	kind := KindOf(err)
	if kind == KindSurfaceFailure {
		if fallback != KindSurfaceFailure {
			kind = fallback
		}
		// Best effort: if the binding reports the context itself is gone,
		// converge the session on closed rather than leaving it dead.
		if surface.IsContextGone(err) {
			r.reg.ReconcileExternalClose(active.Tab)
			return Wrap(KindSurfaceFailure, err, format, args...)
		}
	}
	return Wrap(kind, err, format, args...)
}
