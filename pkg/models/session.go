package models

import "time"

// SessionStatus represents the lifecycle state of a browser session.
// Transitions: CREATED -> NAVIGATED -> CLOSED. CLOSED is terminal and is
// reachable from any prior state, including via external tab closure.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "CREATED"
	StatusNavigated SessionStatus = "NAVIGATED"
	StatusClosed    SessionStatus = "CLOSED"
)

// BrowserKind selects the browser engine backing a session.
type BrowserKind string

const (
	BrowserChrome  BrowserKind = "chrome"
	BrowserFirefox BrowserKind = "firefox"
	BrowserWebkit  BrowserKind = "webkit"
)

// ValidBrowserKind reports whether k names a supported engine.
func ValidBrowserKind(k BrowserKind) bool {
	switch k {
	case BrowserChrome, BrowserFirefox, BrowserWebkit:
		return true
	}
	return false
}

// Session represents a tracked browsing context bound to exactly one tab.
// The tab handle is owned exclusively by its session; once the status is
// CLOSED the handle must never be dereferenced again.
type Session struct {
	ID         string        `json:"sessionId"`
	ClientID   string        `json:"clientId"`
	TabID      string        `json:"tabId"`
	Browser    BrowserKind   `json:"browser"`
	Headless   bool          `json:"headless"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	CurrentURL string        `json:"currentUrl,omitempty"`
}

// CreateSessionRequest is the payload for creating a new session.
type CreateSessionRequest struct {
	ClientID  string      `json:"clientId"`
	SessionID string      `json:"sessionId"`
	Browser   BrowserKind `json:"browser,omitempty"`
	Headless  bool        `json:"headless,omitempty"`
}
