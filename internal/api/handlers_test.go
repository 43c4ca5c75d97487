package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/ratelimit"
	"github.com/tabrelay/tabrelay/internal/relay"
	"github.com/tabrelay/tabrelay/internal/storage"
	"github.com/tabrelay/tabrelay/internal/surface"
	"github.com/tabrelay/tabrelay/internal/surface/surfacetest"
)

type apiFixture struct {
	srv  *httptest.Server
	fake *surfacetest.Fake
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	fake := surfacetest.NewFake()
	reg := relay.NewRegistry(fake, 0)
	shots, err := storage.NewScreenshotStore(t.TempDir())
	require.NoError(t, err)
	router := relay.NewRouter(reg, relay.NewDirectory(), fake, shots, relay.RouterConfig{})

	handler := NewHandler(router, shots)
	routes := handler.SetupRoutes(nil, nil, ratelimit.NewLimiter(1000, 1000), 1000)

	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, fake: fake}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	// Register the client.
	resp, body := f.do(t, "POST", "/v1/clients", map[string]any{
		"clientId": "c1",
		"clientInfo": map[string]any{
			"browser":      "chrome",
			"capabilities": []string{"browser_automation"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "success", body["status"])

	// Create a session.
	resp, body = f.do(t, "POST", "/v1/clients/c1/sessions", map[string]any{
		"sessionId": "s1",
		"browser":   "chrome",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data, _ := body["data"].(map[string]any)
	require.NotNil(t, data)
	assert.Equal(t, "created", data["status"])
	assert.NotEmpty(t, data["tabId"])

	// Navigate it.
	resp, body = f.do(t, "POST", "/v1/clients/c1/sessions/s1/navigate", map[string]any{
		"url": "https://example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = body["data"].(map[string]any)
	require.NotNil(t, data)
	assert.Equal(t, "https://example.com", data["url"])

	// The session is visible both client-scoped and flat.
	resp, body = f.do(t, "GET", "/v1/clients/c1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NAVIGATED", body["status"])
	assert.Equal(t, "https://example.com", body["currentUrl"])

	resp, body = f.do(t, "GET", "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["sessionId"])

	// Screenshot.
	resp, body = f.do(t, "POST", "/v1/clients/c1/sessions/s1/screenshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = body["data"].(map[string]any)
	require.NotNil(t, data)
	assert.NotEmpty(t, data["path"])

	// Close, then the session is gone.
	resp, _ = f.do(t, "DELETE", "/v1/clients/c1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, f.fake.LiveTabs())

	resp, _ = f.do(t, "GET", "/v1/clients/c1/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newAPIFixture(t)

	// Session-scoped command on a missing session.
	resp, body := f.do(t, "POST", "/v1/clients/c1/sessions/ghost/navigate", map[string]any{
		"url": "https://example.com",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "SESSION_NOT_FOUND", body["kind"])

	// Duplicate create conflicts.
	resp, _ = f.do(t, "POST", "/v1/clients/c1/sessions", map[string]any{"sessionId": "s1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = f.do(t, "POST", "/v1/clients/c1/sessions", map[string]any{"sessionId": "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "SESSION_ALREADY_EXISTS", body["kind"])

	// Unknown action through the generic command endpoint.
	resp, body = f.do(t, "POST", "/v1/commands", map[string]any{
		"action": "explode",
		"params": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_ACTION", body["kind"])
}

func TestGenericCommandEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "POST", "/v1/commands", map[string]any{
		"action": "create_session",
		"params": map[string]any{
			"clientId":  "c1",
			"sessionId": "s1",
			"browser":   "firefox",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	data, _ := body["data"].(map[string]any)
	require.NotNil(t, data)
	assert.Equal(t, "firefox", data["browser"])

	resp, body = f.do(t, "GET", "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestListClientsOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, "POST", "/v1/clients", map[string]any{
			"clientId": fmt.Sprintf("c%d", i),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := f.do(t, "GET", "/v1/clients", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"])
}

func TestContentEndpointWithSelectorQuery(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "POST", "/v1/clients/c1/sessions", map[string]any{"sessionId": "s1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data, _ := body["data"].(map[string]any)
	tabID, _ := data["tabId"].(string)
	f.fake.AddElement(surface.TabHandle(tabID), "#msg", "hello")

	resp, body = f.do(t, "GET", "/v1/clients/c1/sessions/s1/content?selector=%23msg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = body["data"].(map[string]any)
	require.NotNil(t, data)
	assert.Equal(t, "hello", data["content"])
}

func TestRateLimitOnCommandEndpoints(t *testing.T) {
	fake := surfacetest.NewFake()
	reg := relay.NewRegistry(fake, 0)
	shots, err := storage.NewScreenshotStore(t.TempDir())
	require.NoError(t, err)
	router := relay.NewRouter(reg, relay.NewDirectory(), fake, shots, relay.RouterConfig{})

	handler := NewHandler(router, shots)
	routes := handler.SetupRoutes(nil, nil, ratelimit.NewLimiter(100, 2), 100)
	srv := httptest.NewServer(routes)
	defer srv.Close()

	post := func(sessionID string) int {
		body := bytes.NewBufferString(fmt.Sprintf(`{"sessionId":%q}`, sessionID))
		resp, err := http.Post(srv.URL+"/v1/clients/c1/sessions", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, post("s1"))
	assert.Equal(t, http.StatusCreated, post("s2"))
	assert.Equal(t, http.StatusTooManyRequests, post("s3"))

	// Health and introspection stay reachable.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
