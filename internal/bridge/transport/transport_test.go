package transport_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/agorai/agorai/internal/bridge/auth"
	"github.com/agorai/agorai/internal/bridge/config"
	"github.com/agorai/agorai/internal/bridge/db"
	"github.com/agorai/agorai/internal/bridge/ratelimit"
	"github.com/agorai/agorai/internal/bridge/session"
	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/tools"
	"github.com/agorai/agorai/internal/bridge/transport"
)

func newTestServer(t *testing.T, limit int) *httptest.Server {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	log := slog.New(slog.DiscardHandler)
	st := store.New(sqlDB)
	cfg := &config.Config{
		APIKeys: []config.APIKey{
			{Key: "sk-valid", Name: "tester", Type: "assistant", Clearance: "confidential"},
		},
	}
	a := auth.New(st, cfg)
	limiter := ratelimit.New(limit, time.Minute)
	sessions := session.NewManager()
	factory := func(agentID string) *mcpserver.MCPServer {
		return tools.New(agentID, tools.Deps{Store: st, Log: log, Version: "test"})
	}

	h := transport.New(a, limiter, sessions, factory, log, "test", 1<<16)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`

func TestHealthAndUnknownPaths(t *testing.T) {
	srv := newTestServer(t, 100)

	resp := doRequest(t, srv, http.MethodGet, "/health", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	if health.Status != "ok" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}

	resp = doRequest(t, srv, http.MethodGet, "/nope", "", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMCP_AuthGates(t *testing.T) {
	srv := newTestServer(t, 100)

	resp := doRequest(t, srv, http.MethodPost, "/mcp", "", "", initializeBody)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/mcp", "sk-wrong", "", initializeBody)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMCP_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t, 100)

	// POST without a session creates one.
	resp := doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	var rpc struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int             `json:"id"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	if rpc.Result == nil {
		t.Fatal("initialize returned no result")
	}

	// Tool call on the established session.
	callBody := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_projects","arguments":{}}}`
	resp = doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", sessionID, callBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Unknown session is a 404 with the canonical body.
	resp = doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "ghost", callBody)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Equal(t, "Session not found", e.Error)

	// DELETE closes; the second DELETE no longer finds it.
	resp = doRequest(t, srv, http.MethodDelete, "/mcp", "sk-valid", sessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doRequest(t, srv, http.MethodDelete, "/mcp", "sk-valid", sessionID, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMCP_GetWithoutSession(t *testing.T) {
	srv := newTestServer(t, 100)
	resp := doRequest(t, srv, http.MethodGet, "/mcp", "sk-valid", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCP_Notification202(t *testing.T) {
	srv := newTestServer(t, 100)

	resp := doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")

	note := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	resp = doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", sessionID, note)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMCP_RateLimit(t *testing.T) {
	srv := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "", initializeBody)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}
	resp := doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "", initializeBody)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	// Retry-After advertises the full one-minute window.
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestMCP_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, 100)

	big := strings.Repeat("x", 1<<16+1)
	resp := doRequest(t, srv, http.MethodPost, "/mcp", "sk-valid", "", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
