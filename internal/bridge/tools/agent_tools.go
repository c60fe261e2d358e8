package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/store"
)

func registerAgentTools(srv *server.MCPServer, h *handlers) {
	srv.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Update your own agent profile. Name, type, and capabilities only; clearance is fixed by the bridge operator."),
			mcp.WithString("name", mcp.Description("New display name (optional)")),
			mcp.WithString("type", mcp.Description("Agent type, e.g. assistant, reviewer (optional)")),
			mcp.WithArray("capabilities", mcp.Description("Capability tags (optional)")),
		),
		h.registerAgent,
	)

	srv.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents. With project_id, only agents participating in conversations you can see there."),
			mcp.WithString("project_id", mcp.Description("Restrict to one project (optional)")),
		),
		h.listAgents,
	)

	srv.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Your identity plus unread counts for every conversation you are subscribed to."),
		),
		h.getStatus,
	)
}

func (h *handlers) registerAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	typ := req.GetString("type", "")
	capabilities := stringSlice(req.GetArguments()["capabilities"])

	agent, err := h.store.UpdateAgentProfile(ctx, h.agentID, name, typ, capabilities)
	return h.result(agent, err)
}

func (h *handlers) listAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		agents, err := h.store.ListAgents(ctx)
		return h.result(map[string]any{"agents": agents}, err)
	}

	if _, err := h.store.GetProject(ctx, projectID, h.agentID); err != nil {
		return h.result(nil, err)
	}
	conversations, err := h.store.ListConversations(ctx, projectID, h.agentID)
	if err != nil {
		return h.result(nil, err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, conv := range conversations {
		subs, err := h.store.ListSubscribers(ctx, conv.ID)
		if err != nil {
			return h.result(nil, err)
		}
		for _, sub := range subs {
			if !seen[sub.AgentID] {
				seen[sub.AgentID] = true
				ids = append(ids, sub.AgentID)
			}
		}
	}

	agents, err := h.store.ListAgentsByIDs(ctx, ids)
	if agents == nil {
		agents = []store.Agent{}
	}
	return h.result(map[string]any{"agents": agents}, err)
}

func (h *handlers) getStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := h.store.GetAgent(ctx, h.agentID)
	if err != nil {
		return h.result(nil, err)
	}

	conversations, err := h.store.SubscribedConversations(ctx, h.agentID)
	if err != nil {
		return h.result(nil, err)
	}

	type convStatus struct {
		ConversationID string `json:"conversationId"`
		ProjectID      string `json:"projectId"`
		Title          string `json:"title"`
		Unread         int    `json:"unread"`
	}
	statuses := make([]convStatus, 0, len(conversations))
	for _, conv := range conversations {
		unread, err := h.store.GetUnreadCount(ctx, conv.ID, h.agentID)
		if err != nil {
			return h.result(nil, err)
		}
		statuses = append(statuses, convStatus{
			ConversationID: conv.ID,
			ProjectID:      conv.ProjectID,
			Title:          conv.Title,
			Unread:         unread,
		})
	}

	return h.result(map[string]any{
		"agent":         agent,
		"conversations": statuses,
	}, nil)
}
