// Package tools builds the per-agent MCP tool surface. New returns a
// tool server whose handler closures capture the owning agent's ID, so
// a session can never act as anyone else.
package tools

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/store"
)

// deniedMessage is the uniform gate-failure body. Absent and forbidden
// are indistinguishable to the caller.
const deniedMessage = "Not found or access denied"

// Deps are the collaborators every handler shares.
type Deps struct {
	Store   *store.Store
	Log     *slog.Logger
	Version string
}

// New builds the MCP server for one agent's session.
func New(agentID string, deps Deps) *server.MCPServer {
	srv := server.NewMCPServer(
		"agorai",
		deps.Version,
		server.WithToolCapabilities(true),
	)

	h := &handlers{agentID: agentID, store: deps.Store, log: deps.Log}

	registerAgentTools(srv, h)
	registerProjectTools(srv, h)
	registerConversationTools(srv, h)
	registerMessageTools(srv, h)

	return srv
}

type handlers struct {
	agentID string
	store   *store.Store
	log     *slog.Logger
}

// denied is the single gate-failure result.
func denied() *mcp.CallToolResult {
	return mcp.NewToolResultError(deniedMessage)
}

// result marshals a handler's payload. Store errors that signal absence
// or insufficient clearance collapse into the uniform denial.
func (h *handlers) result(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return denied(), nil
		}
		h.log.Error("tool handler failed", slog.String("agent_id", h.agentID), slog.Any("error", err))
		return mcp.NewToolResultError("internal error"), nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("internal error"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// rawMetadata converts a tool-call object argument into the store's
// metadata form.
func rawMetadata(arg any) map[string]json.RawMessage {
	obj, ok := arg.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out
}

// stringSlice converts an array argument into []string, dropping
// non-string elements.
func stringSlice(arg any) []string {
	items, ok := arg.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
