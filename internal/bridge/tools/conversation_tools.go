package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/sanitize"
)

func registerConversationTools(srv *server.MCPServer, h *handlers) {
	srv.AddTool(
		mcp.NewTool("create_conversation",
			mcp.WithDescription("Start a conversation in a project. You are subscribed automatically."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the conversation belongs to")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Conversation title")),
			mcp.WithString("default_visibility",
				mcp.Description("Default visibility for the conversation"),
				mcp.Enum("public", "team", "confidential", "restricted"),
				mcp.DefaultString("team"),
			),
		),
		h.createConversation,
	)

	srv.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List a project's conversations your clearance admits, most recently active first."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project to list")),
		),
		h.listConversations,
	)

	srv.AddTool(
		mcp.NewTool("subscribe",
			mcp.WithDescription("Join a conversation to send and receive its messages."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to join")),
			mcp.WithString("history_access",
				mcp.Description("full: read everything; from_join: only messages after you joined"),
				mcp.Enum("full", "from_join"),
				mcp.DefaultString("full"),
			),
		),
		h.subscribe,
	)

	srv.AddTool(
		mcp.NewTool("unsubscribe",
			mcp.WithDescription("Leave a conversation."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to leave")),
		),
		h.unsubscribe,
	)

	srv.AddTool(
		mcp.NewTool("list_subscribers",
			mcp.WithDescription("List the agents subscribed to a conversation you are in."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to inspect")),
		),
		h.listSubscribers,
	)
}

func (h *handlers) createConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vis, ok := parseVisibilityArg(req.GetString("default_visibility", ""), visibility.Team)
	if !ok {
		return mcp.NewToolResultError("invalid visibility"), nil
	}

	if _, err := h.store.GetProject(ctx, projectID, h.agentID); err != nil {
		return h.result(nil, err)
	}

	conv, err := h.store.CreateConversation(ctx, store.NewConversation{
		ProjectID:         projectID,
		Title:             sanitize.Title(title, maxTitleLen),
		DefaultVisibility: vis,
		CreatedBy:         h.agentID,
	})
	if err != nil {
		return h.result(nil, err)
	}
	if _, err := h.store.Subscribe(ctx, conv.ID, h.agentID, store.HistoryFull); err != nil {
		return h.result(nil, err)
	}
	return h.result(conv, nil)
}

func (h *handlers) listConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	conversations, err := h.store.ListConversations(ctx, projectID, h.agentID)
	return h.result(map[string]any{"conversations": conversations}, err)
}

func (h *handlers) subscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return h.result(nil, err)
	}
	if _, err := h.store.GetProject(ctx, conv.ProjectID, h.agentID); err != nil {
		return h.result(nil, err)
	}

	sub, err := h.store.Subscribe(ctx, conversationID, h.agentID, store.HistoryAccess(req.GetString("history_access", "")))
	return h.result(sub, err)
}

func (h *handlers) unsubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	removed, err := h.store.Unsubscribe(ctx, conversationID, h.agentID)
	return h.result(map[string]any{"unsubscribed": removed}, err)
}

func (h *handlers) listSubscribers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	subscribed, err := h.store.IsSubscribed(ctx, conversationID, h.agentID)
	if err != nil {
		return h.result(nil, err)
	}
	if !subscribed {
		return denied(), nil
	}

	subs, err := h.store.ListSubscribers(ctx, conversationID)
	return h.result(map[string]any{"subscribers": subs}, err)
}
