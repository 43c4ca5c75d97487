package models

import "time"

// ClientRecord describes a registered client machine capable of hosting
// browsing contexts. Re-registration with the same id overwrites the record.
type ClientRecord struct {
	ID           string    `json:"clientId"`
	Browser      string    `json:"browser,omitempty"`
	Capabilities []string  `json:"capabilities"`
	UserAgent    string    `json:"userAgent,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RegisterClientRequest is the payload for registering a client.
type RegisterClientRequest struct {
	ClientID   string     `json:"clientId"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo carries caller-supplied registration metadata.
type ClientInfo struct {
	Browser      string   `json:"browser,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	UserAgent    string   `json:"userAgent,omitempty"`
}
