package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
)

func registerMessageTools(srv *server.MCPServer, h *handlers) {
	srv.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a conversation you are subscribed to. Visibility above your clearance is capped down."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Target conversation")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
			mcp.WithString("visibility",
				mcp.Description("Requested visibility for the message"),
				mcp.Enum("public", "team", "confidential", "restricted"),
				mcp.DefaultString("team"),
			),
			mcp.WithString("type",
				mcp.Description("Message kind"),
				mcp.Enum("message", "spec", "result", "review", "status", "question"),
				mcp.DefaultString("message"),
			),
			mcp.WithObject("agent_metadata", mcp.Description("Opaque sender metadata, returned only to you (optional)")),
			mcp.WithObject("metadata", mcp.Description("Deprecated alias for agent_metadata")),
		),
		h.sendMessage,
	)

	srv.AddTool(
		mcp.NewTool("get_messages",
			mcp.WithDescription("Read a conversation's messages your clearance admits, oldest first."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to read")),
			mcp.WithString("since", mcp.Description("Only messages strictly after this timestamp (optional)")),
			mcp.WithBoolean("unread_only", mcp.Description("Only messages you have not marked read"), mcp.DefaultBool(false)),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (optional)")),
		),
		h.getMessages,
	)

	srv.AddTool(
		mcp.NewTool("mark_read",
			mcp.WithDescription("Mark a conversation's messages read, either all of them or everything up to one message."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to mark")),
			mcp.WithString("up_to_message_id", mcp.Description("Mark messages up to and including this one (optional)")),
		),
		h.markRead,
	)
}

func (h *handlers) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vis, ok := parseVisibilityArg(req.GetString("visibility", ""), visibility.Team)
	if !ok {
		return mcp.NewToolResultError("invalid visibility"), nil
	}

	subscribed, err := h.store.IsSubscribed(ctx, conversationID, h.agentID)
	if err != nil {
		return h.result(nil, err)
	}
	if !subscribed {
		return denied(), nil
	}

	args := req.GetArguments()
	metadata := rawMetadata(args["agent_metadata"])
	if metadata == nil {
		metadata = rawMetadata(args["metadata"])
	}

	msg, err := h.store.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conversationID,
		FromAgent:      h.agentID,
		Type:           req.GetString("type", ""),
		Visibility:     vis,
		Content:        content,
		Metadata:       metadata,
	})
	return h.result(msg, err)
}

func (h *handlers) getMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	messages, err := h.store.GetMessages(ctx, conversationID, h.agentID, store.MessageFilter{
		Since:      req.GetString("since", ""),
		UnreadOnly: req.GetBool("unread_only", false),
		Limit:      req.GetInt("limit", 0),
	})
	if err != nil {
		return h.result(nil, err)
	}

	// Sender metadata is private to its author.
	for i := range messages {
		if messages[i].FromAgent != h.agentID {
			messages[i].AgentMetadata = nil
		}
	}
	return h.result(map[string]any{"messages": messages}, nil)
}

func (h *handlers) markRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	upTo := req.GetString("up_to_message_id", "")

	visible, err := h.store.GetMessages(ctx, conversationID, h.agentID, store.MessageFilter{})
	if err != nil {
		return h.result(nil, err)
	}

	var ids []string
	if upTo == "" {
		for _, m := range visible {
			ids = append(ids, m.ID)
		}
	} else {
		found := false
		for _, m := range visible {
			ids = append(ids, m.ID)
			if m.ID == upTo {
				found = true
				break
			}
		}
		if !found {
			return h.result(map[string]any{"marked": 0}, nil)
		}
	}

	marked, err := h.store.MarkRead(ctx, h.agentID, ids)
	return h.result(map[string]any{"marked": marked}, err)
}
