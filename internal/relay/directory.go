package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/tabrelay/tabrelay/pkg/models"
)

// defaultCapabilities mirrors what extension clients advertise when they
// register without explicit metadata.
var defaultCapabilities = []string{"browser_automation", "screenshots", "form_filling"}

// Directory is the client registry: a plain key-value store keyed by client
// id, used for fleet visibility only. It is never consulted by the command
// router, and sessions do not require their client to be registered here.
type Directory struct {
	mu      sync.RWMutex
	clients map[string]*models.ClientRecord
}

// NewDirectory creates an empty client directory.
func NewDirectory() *Directory {
	return &Directory{
		clients: make(map[string]*models.ClientRecord),
	}
}

// Register upserts a client record. Last write wins; duplicate registration
// is never an error.
func (d *Directory) Register(clientID string, info models.ClientInfo) *models.ClientRecord {
	caps := info.Capabilities
	if len(caps) == 0 {
		caps = append([]string(nil), defaultCapabilities...)
	}

	rec := &models.ClientRecord{
		ID:           clientID,
		Browser:      info.Browser,
		Capabilities: caps,
		UserAgent:    info.UserAgent,
		RegisteredAt: time.Now(),
	}

	d.mu.Lock()
	d.clients[clientID] = rec
	d.mu.Unlock()

	return rec
}

// Get returns the record for clientID, or false if it was never registered.
func (d *Directory) Get(clientID string) (*models.ClientRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.clients[clientID]
	return rec, ok
}

// List returns all registered clients ordered by id.
func (d *Directory) List() []*models.ClientRecord {
	d.mu.RLock()
	records := make([]*models.ClientRecord, 0, len(d.clients))
	for _, rec := range d.clients {
		records = append(records, rec)
	}
	d.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}
