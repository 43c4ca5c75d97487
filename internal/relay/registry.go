package relay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tabrelay/tabrelay/internal/surface"
	"github.com/tabrelay/tabrelay/pkg/models"
)

// KindLimitExceeded reports that a client hit its concurrent-session cap.
const KindLimitExceeded Kind = "LIMIT_EXCEEDED"

// StateListener observes session state changes (created, navigated, closed).
// Listeners are invoked outside the registry lock.
type StateListener func(sess models.Session)

type sessionKey struct {
	clientID  string
	sessionID string
}

// entry is the registry's internal view of one session. A pending entry has
// been reserved under the lock but its tab is still being allocated; pending
// entries block duplicate creates so two concurrent createSession calls for
// the same key can never both allocate a tab.
type entry struct {
	sess    *models.Session
	tab     surface.TabHandle
	done    chan struct{}
	pending bool
}

// Active is a resolved live session handed to the command router. Done is
// closed when the session reaches its terminal state, letting in-flight waits
// fail fast instead of hanging.
type Active struct {
	Session models.Session
	Tab     surface.TabHandle
	Done    <-chan struct{}
}

// Registry owns every live session. All closure paths, explicit close and
// external tab removal alike, converge on transitionToClosed; the registry
// slot, the reverse tab index and the done channel are released exactly once.
type Registry struct {
	mu    sync.RWMutex
	byKey map[sessionKey]*entry
	byTab map[surface.TabHandle]sessionKey

	surf surface.Surface

	slotsMu      sync.Mutex
	slots        map[string]*semaphore.Weighted
	maxPerClient int64

	listeners []StateListener
}

// NewRegistry creates a session registry bound to one execution surface.
// maxPerClient caps concurrent sessions per client; zero means the default
// of 10 (matching the surface's expected scale of tens of sessions).
func NewRegistry(surf surface.Surface, maxPerClient int64) *Registry {
	if maxPerClient <= 0 {
		maxPerClient = 10
	}
	r := &Registry{
		byKey:        make(map[sessionKey]*entry),
		byTab:        make(map[surface.TabHandle]sessionKey),
		surf:         surf,
		slots:        make(map[string]*semaphore.Weighted),
		maxPerClient: maxPerClient,
	}
	surf.OnTabClosed(r.ReconcileExternalClose)
	return r
}

// AddStateListener registers a listener for session state changes. Must be
// called during wiring, before the registry serves requests.
func (r *Registry) AddStateListener(fn StateListener) {
	r.listeners = append(r.listeners, fn)
}

// CreateSession allocates a browsing context and tracks it under
// (clientID, sessionID). Duplicate keys are a strict error: callers must
// close a session before recreating it under the same id.
func (r *Registry) CreateSession(ctx context.Context, req models.CreateSessionRequest) (models.Session, error) {
	if req.ClientID == "" {
		return models.Session{}, E(KindInvalidArgument, "clientId is required")
	}
	if req.SessionID == "" {
		return models.Session{}, E(KindInvalidArgument, "sessionId is required")
	}
	if req.Browser == "" {
		req.Browser = models.BrowserChrome
	}
	if !models.ValidBrowserKind(req.Browser) {
		return models.Session{}, E(KindInvalidArgument, "unsupported browser %q", req.Browser)
	}

	if err := r.acquireSlot(req.ClientID); err != nil {
		return models.Session{}, err
	}

	k := sessionKey{clientID: req.ClientID, sessionID: req.SessionID}

	r.mu.Lock()
	if _, exists := r.byKey[k]; exists {
		r.mu.Unlock()
		r.releaseSlot(req.ClientID)
		return models.Session{}, E(KindSessionAlreadyExists,
			"session %s already exists for client %s; close it before recreating", req.SessionID, req.ClientID)
	}
	ent := &entry{
		sess: &models.Session{
			ID:        req.SessionID,
			ClientID:  req.ClientID,
			Browser:   req.Browser,
			Headless:  req.Headless,
			Status:    models.StatusCreated,
			CreatedAt: time.Now(),
		},
		done:    make(chan struct{}),
		pending: true,
	}
	r.byKey[k] = ent
	r.mu.Unlock()

	tab, err := r.surf.OpenTab(ctx, surface.OpenOptions{
		ClientID: req.ClientID,
		Browser:  req.Browser,
		Headless: req.Headless,
	})
	if err != nil {
		r.transitionToClosed(k)
		return models.Session{}, Wrap(KindSurfaceFailure, err, "failed to open tab for session %s", req.SessionID)
	}

	r.mu.Lock()
	current, exists := r.byKey[k]
	if !exists || current != ent {
		// Closed (or recreated) while the tab was being allocated. The
		// tab we just opened belongs to nobody; release it.
		r.mu.Unlock()
		if cerr := r.surf.CloseTab(ctx, tab); cerr != nil {
			log.Printf("relay: failed to release orphaned tab %s: %v", tab, cerr)
		}
		return models.Session{}, E(KindSessionClosed, "session %s closed during creation", req.SessionID)
	}
	ent.tab = tab
	ent.pending = false
	ent.sess.TabID = string(tab)
	r.byTab[tab] = k
	snapshot := *ent.sess
	r.mu.Unlock()

	r.notify(snapshot)
	return snapshot, nil
}

// GetSession returns a snapshot of the session, or SessionNotFound. Closed
// sessions are removed from the registry, so a closed id is not found.
func (r *Registry) GetSession(clientID, sessionID string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.byKey[sessionKey{clientID: clientID, sessionID: sessionID}]
	if !ok || ent.pending {
		return models.Session{}, E(KindSessionNotFound, "session %s not found for client %s", sessionID, clientID)
	}
	return *ent.sess, nil
}

// Resolve returns the live session with its tab handle and done channel for
// command dispatch.
func (r *Registry) Resolve(clientID, sessionID string) (*Active, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.byKey[sessionKey{clientID: clientID, sessionID: sessionID}]
	if !ok || ent.pending {
		return nil, E(KindSessionNotFound, "session %s not found for client %s", sessionID, clientID)
	}
	return &Active{Session: *ent.sess, Tab: ent.tab, Done: ent.done}, nil
}

// FindBySessionID looks a session up by id alone. Session ids are only
// scoped per client, so the flat lookup refuses to guess when the same id is
// live under more than one client.
func (r *Registry) FindBySessionID(sessionID string) (models.Session, error) {
	r.mu.RLock()
	var matches []models.Session
	for k, ent := range r.byKey {
		if k.sessionID == sessionID && !ent.pending {
			matches = append(matches, *ent.sess)
		}
	}
	r.mu.RUnlock()

	switch len(matches) {
	case 0:
		return models.Session{}, E(KindSessionNotFound, "session %s not found", sessionID)
	case 1:
		return matches[0], nil
	default:
		return models.Session{}, E(KindInvalidArgument,
			"session id %s is live under %d clients; use the client-scoped lookup", sessionID, len(matches))
	}
}

// ListSessions returns snapshots of all live sessions, ordered by client then
// session id.
func (r *Registry) ListSessions() []models.Session {
	r.mu.RLock()
	sessions := make([]models.Session, 0, len(r.byKey))
	for _, ent := range r.byKey {
		if !ent.pending {
			sessions = append(sessions, *ent.sess)
		}
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ClientID != sessions[j].ClientID {
			return sessions[i].ClientID < sessions[j].ClientID
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// MarkNavigated records a successful navigation on the session.
func (r *Registry) MarkNavigated(clientID, sessionID, url string) {
	k := sessionKey{clientID: clientID, sessionID: sessionID}

	r.mu.Lock()
	ent, ok := r.byKey[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	ent.sess.Status = models.StatusNavigated
	ent.sess.CurrentURL = url
	snapshot := *ent.sess
	r.mu.Unlock()

	r.notify(snapshot)
}

// CloseSession releases the session's browsing context and removes it from
// the registry. The registry entry is removed first so in-flight operations
// fail fast; the tab close that follows is idempotent.
func (r *Registry) CloseSession(ctx context.Context, clientID, sessionID string) error {
	k := sessionKey{clientID: clientID, sessionID: sessionID}

	r.mu.RLock()
	ent, ok := r.byKey[k]
	var tab surface.TabHandle
	if ok {
		tab = ent.tab
	}
	r.mu.RUnlock()

	if !ok {
		return E(KindSessionNotFound, "session %s not found for client %s", sessionID, clientID)
	}

	r.transitionToClosed(k)

	if tab != "" {
		if err := r.surf.CloseTab(ctx, tab); err != nil {
			return Wrap(KindSurfaceFailure, err, "failed to close tab for session %s", sessionID)
		}
	}
	return nil
}

// ReconcileExternalClose handles a browsing context closed outside this
// system's control. The owning session is found by reverse lookup and driven
// to the same terminal state as an explicit close. Unknown handles, including
// handles of already-reconciled sessions, are a no-op.
func (r *Registry) ReconcileExternalClose(tab surface.TabHandle) {
	r.mu.RLock()
	k, ok := r.byTab[tab]
	r.mu.RUnlock()

	if !ok {
		return
	}
	log.Printf("relay: tab %s closed externally, reconciling session %s/%s", tab, k.clientID, k.sessionID)
	r.transitionToClosed(k)
}

// CloseAll tears down every live session, used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	keys := make([]sessionKey, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	for _, k := range keys {
		if err := r.CloseSession(ctx, k.clientID, k.sessionID); err != nil && !IsKind(err, KindSessionNotFound) {
			log.Printf("relay: failed to close session %s/%s: %v", k.clientID, k.sessionID, err)
		}
	}
}

// transitionToClosed is the single entry point into the terminal state. It
// is idempotent: the first caller removes the entry, frees the slot, and
// closes the done channel; later callers find nothing to do.
func (r *Registry) transitionToClosed(k sessionKey) {
	r.mu.Lock()
	ent, ok := r.byKey[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byKey, k)
	if ent.tab != "" {
		delete(r.byTab, ent.tab)
	}
	ent.sess.Status = models.StatusClosed
	hadTab := ent.tab != ""
	snapshot := *ent.sess
	close(ent.done)
	r.mu.Unlock()

	r.releaseSlot(k.clientID)
	if hadTab {
		r.notify(snapshot)
	}
}

func (r *Registry) notify(sess models.Session) {
	for _, fn := range r.listeners {
		fn(sess)
	}
}

func (r *Registry) acquireSlot(clientID string) error {
	r.slotsMu.Lock()
	sem, ok := r.slots[clientID]
	if !ok {
		sem = semaphore.NewWeighted(r.maxPerClient)
		r.slots[clientID] = sem
	}
	r.slotsMu.Unlock()

	if !sem.TryAcquire(1) {
		return E(KindLimitExceeded, "concurrent session limit (%d) reached for client %s", r.maxPerClient, clientID)
	}
	return nil
}

func (r *Registry) releaseSlot(clientID string) {
	r.slotsMu.Lock()
	sem := r.slots[clientID]
	r.slotsMu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}
