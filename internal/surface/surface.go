package surface

import (
	"context"

	"github.com/tabrelay/tabrelay/pkg/models"
)

// TabHandle is an opaque reference to a live browsing context. A handle is
// owned exclusively by one session; implementations must never hand the same
// handle to two sessions.
type TabHandle string

// OpenOptions configures allocation of a new browsing context.
type OpenOptions struct {
	// ClientID routes tab allocation to the right client machine for
	// bindings that execute remotely. Driver bindings may ignore it.
	ClientID string
	Browser  models.BrowserKind
	Headless bool
}

// TabLifecycle covers opening, navigating, closing and capturing tabs.
//
// CloseTab must be idempotent: closing an already-closed handle is a no-op,
// never an error. Both explicit close and external-closure reconciliation
// rely on that.
type TabLifecycle interface {
	OpenTab(ctx context.Context, opts OpenOptions) (TabHandle, error)

	// Navigate changes the tab's location and returns the final URL. When
	// waitForLoad is set it blocks until a load-complete signal for this
	// exact tab is observed; load events from other tabs must not resolve
	// the wait.
	Navigate(ctx context.Context, tab TabHandle, url string, waitForLoad bool) (string, error)

	CloseTab(ctx context.Context, tab TabHandle) error

	// Screenshot captures the tab's visible (or full) page, persists it to
	// path, and returns the resolved path.
	Screenshot(ctx context.Context, tab TabHandle, fullPage bool, path string) (string, error)
}

// Interactor covers in-page DOM operations. Every operation targets one
// specific tab; an implementation that can only act on "the active tab" must
// not be used when concurrent sessions are possible.
type Interactor interface {
	// ElementExists reports whether selector currently matches an element.
	ElementExists(ctx context.Context, tab TabHandle, selector string) (bool, error)

	// Click scrolls the matched element into view and clicks it.
	Click(ctx context.Context, tab TabHandle, selector string) error

	// Fill sets the element's value, optionally clearing it first, and
	// fires input and change notifications so page-level reactive logic
	// observes the edit like real typing.
	Fill(ctx context.Context, tab TabHandle, selector, value string, clearFirst bool) error

	// Text returns the text content of selector, or the whole page body
	// when selector is empty.
	Text(ctx context.Context, tab TabHandle, selector string) (string, error)

	// Title returns the tab's document title.
	Title(ctx context.Context, tab TabHandle) (string, error)
}

// Surface is the full execution surface a deployment binds at startup:
// either the server-side playwright driver or the extension-mediated bridge.
type Surface interface {
	TabLifecycle
	Interactor

	// OnTabClosed registers the callback invoked when a browsing context
	// is closed outside this system's control (user closes the tab). The
	// registry funnels these into its closure reconciliation.
	OnTabClosed(fn func(TabHandle))

	Shutdown(ctx context.Context) error
}
