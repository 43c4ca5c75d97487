// Package surfacetest provides an in-memory execution surface for tests:
// tabs are plain records, elements appear on demand, and load completion and
// external closure are triggered explicitly by the test.
package surfacetest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tabrelay/tabrelay/internal/surface"
)

type tab struct {
	url      string
	title    string
	body     string
	elements map[string]string
	clicks   []string
	loadGate chan struct{}
}

// Fake implements surface.Surface against in-memory state.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	tabs      map[surface.TabHandle]*tab
	onClosed  func(surface.TabHandle)
	openDelay time.Duration
	openErr   error
	opened    int
	closed    int
}

// NewFake creates an empty fake surface.
func NewFake() *Fake {
	return &Fake{tabs: make(map[surface.TabHandle]*tab)}
}

func (f *Fake) OnTabClosed(fn func(surface.TabHandle)) { f.onClosed = fn }

// SetOpenDelay makes every OpenTab take d, widening race windows.
func (f *Fake) SetOpenDelay(d time.Duration) {
	f.mu.Lock()
	f.openDelay = d
	f.mu.Unlock()
}

// FailNextOpen makes the next OpenTab return err.
func (f *Fake) FailNextOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// OpenCount reports how many tabs were ever allocated.
func (f *Fake) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// LiveTabs reports how many tabs are currently open.
func (f *Fake) LiveTabs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tabs)
}

func (f *Fake) OpenTab(ctx context.Context, _ surface.OpenOptions) (surface.TabHandle, error) {
	f.mu.Lock()
	delay := f.openDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		err := f.openErr
		f.openErr = nil
		return "", err
	}
	f.nextID++
	handle := surface.TabHandle(fmt.Sprintf("tab-%d", f.nextID))
	f.tabs[handle] = &tab{url: "about:blank", elements: make(map[string]string)}
	f.opened++
	return handle, nil
}

func (f *Fake) get(handle surface.TabHandle) (*tab, error) {
	t, ok := f.tabs[handle]
	if !ok {
		return nil, surface.ErrTabGone
	}
	return t, nil
}

func (f *Fake) Navigate(ctx context.Context, handle surface.TabHandle, url string, waitForLoad bool) (string, error) {
	f.mu.Lock()
	t, err := f.get(handle)
	if err != nil {
		f.mu.Unlock()
		return "", err
	}
	gate := t.loadGate
	f.mu.Unlock()

	if waitForLoad && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, err = f.get(handle)
	if err != nil {
		return "", err
	}
	t.url = url
	return url, nil
}

func (f *Fake) CloseTab(_ context.Context, handle surface.TabHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[handle]; !ok {
		return nil
	}
	delete(f.tabs, handle)
	f.closed++
	return nil
}

func (f *Fake) Screenshot(_ context.Context, handle surface.TabHandle, _ bool, path string) (string, error) {
	f.mu.Lock()
	_, err := f.get(handle)
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte("fake png"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *Fake) ElementExists(_ context.Context, handle surface.TabHandle, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.get(handle)
	if err != nil {
		return false, err
	}
	_, found := t.elements[selector]
	return found, nil
}

func (f *Fake) Click(_ context.Context, handle surface.TabHandle, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.get(handle)
	if err != nil {
		return err
	}
	if _, found := t.elements[selector]; !found {
		return fmt.Errorf("no element matches %q", selector)
	}
	t.clicks = append(t.clicks, selector)
	return nil
}

func (f *Fake) Fill(_ context.Context, handle surface.TabHandle, selector, value string, clearFirst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.get(handle)
	if err != nil {
		return err
	}
	if _, found := t.elements[selector]; !found {
		return fmt.Errorf("no element matches %q", selector)
	}
	if clearFirst {
		t.elements[selector] = value
	} else {
		t.elements[selector] += value
	}
	return nil
}

func (f *Fake) Text(_ context.Context, handle surface.TabHandle, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.get(handle)
	if err != nil {
		return "", err
	}
	if selector == "" {
		return t.body, nil
	}
	return t.elements[selector], nil
}

func (f *Fake) Title(_ context.Context, handle surface.TabHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.get(handle)
	if err != nil {
		return "", err
	}
	return t.title, nil
}

func (f *Fake) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	handles := make([]surface.TabHandle, 0, len(f.tabs))
	for h := range f.tabs {
		handles = append(handles, h)
	}
	f.mu.Unlock()
	for _, h := range handles {
		f.CloseTab(ctx, h)
	}
	return nil
}

// AddElement makes selector resolvable on the tab with the given text.
func (f *Fake) AddElement(handle surface.TabHandle, selector, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok {
		t.elements[selector] = text
	}
}

// SetBody sets the tab's whole-page text content.
func (f *Fake) SetBody(handle surface.TabHandle, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok {
		t.body = body
	}
}

// SetTitle sets the tab's document title.
func (f *Fake) SetTitle(handle surface.TabHandle, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok {
		t.title = title
	}
}

// Clicks returns the selectors clicked on the tab, in order.
func (f *Fake) Clicks(handle surface.TabHandle) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok {
		return append([]string(nil), t.clicks...)
	}
	return nil
}

// BlockLoad holds the tab's next load-complete signal until ReleaseLoad.
func (f *Fake) BlockLoad(handle surface.TabHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok {
		t.loadGate = make(chan struct{})
	}
}

// ReleaseLoad fires the tab's load-complete signal.
func (f *Fake) ReleaseLoad(handle surface.TabHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[handle]; ok && t.loadGate != nil {
		close(t.loadGate)
		t.loadGate = nil
	}
}

// CloseExternally simulates the user closing the tab: the tab disappears and
// the closure callback fires, as a real binding would report it.
func (f *Fake) CloseExternally(handle surface.TabHandle) {
	f.mu.Lock()
	_, ok := f.tabs[handle]
	if ok {
		delete(f.tabs, handle)
		f.closed++
	}
	onClosed := f.onClosed
	f.mu.Unlock()
	if ok && onClosed != nil {
		onClosed(handle)
	}
}
