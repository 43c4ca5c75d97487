package models

// CommandStatus is the outcome of one routed command.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "success"
	CommandError   CommandStatus = "error"
)

// CommandResult is the envelope returned by every dispatched command.
// It is ephemeral: returned synchronously to the caller, never stored.
type CommandResult struct {
	Status    CommandStatus  `json:"status"`
	Kind      string         `json:"kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// CommandRequest is the payload for the generic dispatch endpoint.
type CommandRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}
