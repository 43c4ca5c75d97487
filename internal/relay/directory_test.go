package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/pkg/models"
)

func TestRegisterDefaultsCapabilities(t *testing.T) {
	dir := NewDirectory()

	rec := dir.Register("ext-1", models.ClientInfo{Browser: "chrome"})
	assert.Equal(t, []string{"browser_automation", "screenshots", "form_filling"}, rec.Capabilities)
}

func TestRegisterUpsertsLastWriteWins(t *testing.T) {
	dir := NewDirectory()

	dir.Register("ext-1", models.ClientInfo{Browser: "chrome", Capabilities: []string{"screenshots"}})
	dir.Register("ext-1", models.ClientInfo{Browser: "firefox", Capabilities: []string{"form_filling"}})

	rec, ok := dir.Get("ext-1")
	require.True(t, ok)
	assert.Equal(t, "firefox", rec.Browser)
	assert.Equal(t, []string{"form_filling"}, rec.Capabilities)

	_, ok = dir.Get("never-registered")
	assert.False(t, ok)
}

func TestListOrderedByID(t *testing.T) {
	dir := NewDirectory()

	dir.Register("zeta", models.ClientInfo{})
	dir.Register("alpha", models.ClientInfo{})

	list := dir.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zeta", list[1].ID)
}
