package surface

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/tabrelay/tabrelay/pkg/models"
)

// pwTab bundles the playwright resources backing one tab handle. Each tab
// gets its own browser context, so sessions stay isolated and load events
// never bleed between tabs.
type pwTab struct {
	browser     playwright.Browser
	ownsBrowser bool
	context     playwright.BrowserContext
	page        playwright.Page
}

// PlaywrightSurface drives browsers through the playwright driver: the
// server-side deployment shape where browsing contexts live next to the
// control server.
type PlaywrightSurface struct {
	mu         sync.RWMutex
	pw         *playwright.Playwright
	tabs       map[TabHandle]*pwTab
	shared     playwright.Browser
	connectURL string
	onClosed   func(TabHandle)
}

// NewPlaywrightSurface installs and starts the playwright driver. When
// connectURL is set, Chrome tabs attach to that CDP endpoint (one shared
// browser, a fresh context per tab) instead of launching local browsers.
func NewPlaywrightSurface(connectURL string) (*PlaywrightSurface, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return &PlaywrightSurface{
		pw:         pw,
		tabs:       make(map[TabHandle]*pwTab),
		connectURL: connectURL,
	}, nil
}

// OnTabClosed registers the external-closure callback. Must be set during
// wiring, before any tab is opened.
func (s *PlaywrightSurface) OnTabClosed(fn func(TabHandle)) {
	s.onClosed = fn
}

func (s *PlaywrightSurface) browserType(kind models.BrowserKind) playwright.BrowserType {
	switch kind {
	case models.BrowserFirefox:
		return s.pw.Firefox
	case models.BrowserWebkit:
		return s.pw.WebKit
	default:
		return s.pw.Chromium
	}
}

// OpenTab allocates a fresh browsing context and page and returns its handle.
func (s *PlaywrightSurface) OpenTab(_ context.Context, opts OpenOptions) (TabHandle, error) {
	var (
		browser playwright.Browser
		owns    bool
		err     error
	)
	if s.connectURL != "" && opts.Browser == models.BrowserChrome {
		browser, err = s.remoteBrowser()
	} else {
		browser, err = s.browserType(opts.Browser).Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(opts.Headless),
		})
		owns = true
	}
	if err != nil {
		return "", fmt.Errorf("failed to launch %s: %w", opts.Browser, err)
	}

	bctx, err := browser.NewContext()
	if err != nil {
		if owns {
			browser.Close()
		}
		return "", fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		if owns {
			browser.Close()
		}
		return "", fmt.Errorf("failed to create page: %w", err)
	}

	handle := TabHandle(uuid.New().String())
	s.mu.Lock()
	s.tabs[handle] = &pwTab{browser: browser, ownsBrowser: owns, context: bctx, page: page}
	s.mu.Unlock()

	page.OnClose(func(playwright.Page) {
		s.mu.Lock()
		_, tracked := s.tabs[handle]
		if tracked {
			delete(s.tabs, handle)
		}
		s.mu.Unlock()
		if tracked && s.onClosed != nil {
			s.onClosed(handle)
		}
	})

	return handle, nil
}

// remoteBrowser attaches to the configured CDP endpoint, once.
func (s *PlaywrightSurface) remoteBrowser() (playwright.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared != nil && s.shared.IsConnected() {
		return s.shared, nil
	}
	browser, err := s.pw.Chromium.ConnectOverCDP(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.connectURL, err)
	}
	s.shared = browser
	return browser, nil
}

func (s *PlaywrightSurface) tab(handle TabHandle) (*pwTab, error) {
	s.mu.RLock()
	t, ok := s.tabs[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTabGone
	}
	if t.page.IsClosed() {
		return nil, ErrTabGone
	}
	return t, nil
}

// Navigate drives the page to url. The load wait is inherently scoped to
// this page's own load event; other tabs cannot resolve it.
func (s *PlaywrightSurface) Navigate(ctx context.Context, handle TabHandle, url string, waitForLoad bool) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}

	waitUntil := playwright.WaitUntilStateCommit
	if waitForLoad {
		waitUntil = playwright.WaitUntilStateLoad
	}
	gotoOpts := playwright.PageGotoOptions{WaitUntil: waitUntil}
	if ms := timeoutMs(ctx); ms != nil {
		gotoOpts.Timeout = ms
	}
	if _, err := t.page.Goto(url, gotoOpts); err != nil {
		if t.page.IsClosed() {
			return "", ErrTabGone
		}
		return "", fmt.Errorf("goto %s failed: %w", url, err)
	}
	return t.page.URL(), nil
}

// CloseTab tears down the tab's resources. Closing an unknown or
// already-closed handle is a no-op.
func (s *PlaywrightSurface) CloseTab(_ context.Context, handle TabHandle) error {
	s.mu.Lock()
	t, ok := s.tabs[handle]
	if ok {
		delete(s.tabs, handle)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_ = t.page.Close()
	_ = t.context.Close()
	if t.ownsBrowser {
		_ = t.browser.Close()
	}
	return nil
}

// Screenshot captures the page to path and returns it.
func (s *PlaywrightSurface) Screenshot(_ context.Context, handle TabHandle, fullPage bool, path string) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}
	_, err = t.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(fullPage),
	})
	if err != nil {
		if t.page.IsClosed() {
			return "", ErrTabGone
		}
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return path, nil
}

// ElementExists reports whether selector matches an element right now.
func (s *PlaywrightSurface) ElementExists(_ context.Context, handle TabHandle, selector string) (bool, error) {
	t, err := s.tab(handle)
	if err != nil {
		return false, err
	}
	el, err := t.page.QuerySelector(selector)
	if err != nil {
		if t.page.IsClosed() {
			return false, ErrTabGone
		}
		return false, fmt.Errorf("selector query failed: %w", err)
	}
	return el != nil, nil
}

// Click scrolls the element into view and clicks it. Playwright's
// actionability checks cover the scroll.
func (s *PlaywrightSurface) Click(ctx context.Context, handle TabHandle, selector string) error {
	t, err := s.tab(handle)
	if err != nil {
		return err
	}
	opts := playwright.PageClickOptions{}
	if ms := timeoutMs(ctx); ms != nil {
		opts.Timeout = ms
	}
	if err := t.page.Click(selector, opts); err != nil {
		if t.page.IsClosed() {
			return ErrTabGone
		}
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

// Fill sets the element's value. Playwright's fill dispatches input and
// change events, so page-level reactive logic sees the edit like typing.
func (s *PlaywrightSurface) Fill(ctx context.Context, handle TabHandle, selector, value string, clearFirst bool) error {
	t, err := s.tab(handle)
	if err != nil {
		return err
	}
	opts := playwright.PageFillOptions{}
	if ms := timeoutMs(ctx); ms != nil {
		opts.Timeout = ms
	}
	if !clearFirst {
		existing, verr := t.page.InputValue(selector)
		if verr == nil {
			value = existing + value
		}
	}
	if err := t.page.Fill(selector, value, opts); err != nil {
		if t.page.IsClosed() {
			return ErrTabGone
		}
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

// Text returns selector's text content, or the whole body when selector is
// empty.
func (s *PlaywrightSurface) Text(_ context.Context, handle TabHandle, selector string) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}
	if selector == "" {
		selector = "body"
	}
	el, err := t.page.QuerySelector(selector)
	if err != nil {
		if t.page.IsClosed() {
			return "", ErrTabGone
		}
		return "", fmt.Errorf("selector query failed: %w", err)
	}
	if el == nil {
		return "", fmt.Errorf("no element found matching selector: %s", selector)
	}
	text, err := el.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

// Title returns the document title.
func (s *PlaywrightSurface) Title(_ context.Context, handle TabHandle) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}
	return t.page.Title()
}

// Shutdown closes every open tab and stops the driver.
func (s *PlaywrightSurface) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]TabHandle, 0, len(s.tabs))
	for h := range s.tabs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.CloseTab(ctx, h)
	}

	s.mu.Lock()
	shared := s.shared
	s.shared = nil
	s.mu.Unlock()
	if shared != nil {
		_ = shared.Close()
	}

	if err := s.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// timeoutMs converts a context deadline into playwright's millisecond
// timeout, or nil when the context has none.
func timeoutMs(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline)) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return &ms
}
