package surface

import "errors"

// ErrTabGone reports that the browsing context behind a handle no longer
// exists: the tab was closed or the backing browser disconnected. Callers
// reconcile the owning session instead of retrying.
var ErrTabGone = errors.New("browsing context no longer exists")

// ErrClientUnavailable reports that no execution endpoint is connected for
// the requested client (bridge deployments only).
var ErrClientUnavailable = errors.New("no execution endpoint connected for client")

// IsContextGone reports whether err means the browsing context itself is
// dead, as opposed to a failed operation on a live context.
func IsContextGone(err error) bool {
	return errors.Is(err, ErrTabGone)
}
