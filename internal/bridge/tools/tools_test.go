package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/agorai/agorai/internal/bridge/db"
	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return store.New(sqlDB)
}

func newHandlers(t *testing.T, st *store.Store, agentID string) *handlers {
	t.Helper()
	return &handlers{agentID: agentID, store: st, log: slog.New(slog.DiscardHandler)}
}

func register(t *testing.T, st *store.Store, name string, clearance visibility.Level) store.Agent {
	t.Helper()
	agent, err := st.RegisterAgent(context.Background(), store.AgentRegistration{
		Name: name, Type: "assistant", ClearanceLevel: clearance,
	})
	require.NoError(t, err)
	return agent
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is not text")
	return tc.Text
}

func decodeInto(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %s", textOf(t, res))
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), v))
}

func requireDenied(t *testing.T, res *mcp.CallToolResult) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected denial, got success: %s", textOf(t, res))
	}
	if got := textOf(t, res); got != deniedMessage {
		t.Errorf("error body = %q, want %q", got, deniedMessage)
	}
}

func TestSetMemory_GateIsUniform(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	guest := register(t, st, "guest", visibility.Public)
	project, err := st.CreateProject(ctx, store.NewProject{
		Name: "secret", Visibility: visibility.Confidential, CreatedBy: admin.ID,
	})
	require.NoError(t, err)

	h := newHandlers(t, st, guest.ID)
	args := map[string]any{"project_id": project.ID, "title": "t", "content": "c"}

	res, err := h.setMemory(ctx, callReq("set_memory", args))
	require.NoError(t, err)
	requireDenied(t, res)

	// A nonexistent project yields the identical body.
	args["project_id"] = "no-such"
	res, err = h.setMemory(ctx, callReq("set_memory", args))
	require.NoError(t, err)
	requireDenied(t, res)
}

func TestDeleteMemory_OnlyCreator(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	peer := register(t, st, "peer", visibility.Restricted)
	project, err := st.CreateProject(ctx, store.NewProject{
		Name: "p", Visibility: visibility.Team, CreatedBy: admin.ID,
	})
	require.NoError(t, err)
	entry, err := st.SetMemory(ctx, store.NewMemoryEntry{
		ProjectID: project.ID, Title: "t", Content: "c",
		Visibility: visibility.Team, CreatedBy: admin.ID,
	})
	require.NoError(t, err)

	res, err := newHandlers(t, st, peer.ID).deleteMemory(ctx, callReq("delete_memory", map[string]any{"entry_id": entry.ID}))
	require.NoError(t, err)
	requireDenied(t, res)

	res, err = newHandlers(t, st, admin.ID).deleteMemory(ctx, callReq("delete_memory", map[string]any{"entry_id": entry.ID}))
	require.NoError(t, err)
	var out struct {
		Deleted bool `json:"deleted"`
	}
	decodeInto(t, res, &out)
	if !out.Deleted {
		t.Error("deleted = false, want true")
	}
}

func TestCreateConversation_AutoSubscribes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := register(t, st, "a", visibility.Team)
	project, err := st.CreateProject(ctx, store.NewProject{
		Name: "p", Visibility: visibility.Team, CreatedBy: agent.ID,
	})
	require.NoError(t, err)

	h := newHandlers(t, st, agent.ID)
	res, err := h.createConversation(ctx, callReq("create_conversation", map[string]any{
		"project_id": project.ID, "title": "kickoff",
	}))
	require.NoError(t, err)

	var conv store.Conversation
	decodeInto(t, res, &conv)
	subscribed, err := st.IsSubscribed(ctx, conv.ID, agent.ID)
	require.NoError(t, err)
	if !subscribed {
		t.Error("creator not auto-subscribed")
	}
}

func TestSendMessage_RequiresSubscription(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	outsider := register(t, st, "outsider", visibility.Restricted)
	project, _ := st.CreateProject(ctx, store.NewProject{Name: "p", Visibility: visibility.Team, CreatedBy: admin.ID})
	conv, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "t", DefaultVisibility: visibility.Team, CreatedBy: admin.ID,
	})

	res, err := newHandlers(t, st, outsider.ID).sendMessage(ctx, callReq("send_message", map[string]any{
		"conversation_id": conv.ID, "content": "hi",
	}))
	require.NoError(t, err)
	requireDenied(t, res)

	_, err = st.Subscribe(ctx, conv.ID, outsider.ID, store.HistoryFull)
	require.NoError(t, err)

	res, err = newHandlers(t, st, outsider.ID).sendMessage(ctx, callReq("send_message", map[string]any{
		"conversation_id": conv.ID, "content": "hi",
		"agent_metadata":  map[string]any{"draft": true},
	}))
	require.NoError(t, err)
	var msg store.Message
	decodeInto(t, res, &msg)
	if msg.Content != "hi" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.AgentMetadata == nil {
		t.Error("sender's own agentMetadata missing from response")
	}
	if msg.BridgeMetadata.Timestamp == "" {
		t.Error("bridgeMetadata missing from response")
	}
}

func TestGetMessages_HidesOthersMetadata(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alice := register(t, st, "alice", visibility.Team)
	bob := register(t, st, "bob", visibility.Team)
	project, _ := st.CreateProject(ctx, store.NewProject{Name: "p", Visibility: visibility.Team, CreatedBy: alice.ID})
	conv, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "t", DefaultVisibility: visibility.Team, CreatedBy: alice.ID,
	})
	for _, id := range []string{alice.ID, bob.ID} {
		_, err := st.Subscribe(ctx, conv.ID, id, store.HistoryFull)
		require.NoError(t, err)
	}

	_, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: alice.ID, Visibility: visibility.Team,
		Content:  "from alice",
		Metadata: map[string]json.RawMessage{"private": json.RawMessage(`true`)},
	})
	require.NoError(t, err)

	res, err := newHandlers(t, st, bob.ID).getMessages(ctx, callReq("get_messages", map[string]any{
		"conversation_id": conv.ID,
	}))
	require.NoError(t, err)
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	decodeInto(t, res, &out)
	require.Len(t, out.Messages, 1)
	if out.Messages[0].AgentMetadata != nil {
		t.Error("another sender's agentMetadata leaked")
	}

	res, err = newHandlers(t, st, alice.ID).getMessages(ctx, callReq("get_messages", map[string]any{
		"conversation_id": conv.ID,
	}))
	require.NoError(t, err)
	decodeInto(t, res, &out)
	require.Len(t, out.Messages, 1)
	if out.Messages[0].AgentMetadata == nil {
		t.Error("sender's own agentMetadata stripped")
	}
}

func TestMarkRead_UpToMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	reader := register(t, st, "reader", visibility.Team)
	project, _ := st.CreateProject(ctx, store.NewProject{Name: "p", Visibility: visibility.Team, CreatedBy: admin.ID})
	conv, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "t", DefaultVisibility: visibility.Team, CreatedBy: admin.ID,
	})
	_, err := st.Subscribe(ctx, conv.ID, reader.ID, store.HistoryFull)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := st.SendMessage(ctx, store.OutgoingMessage{
			ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Team, Content: "x",
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	h := newHandlers(t, st, reader.ID)

	// Unknown target marks nothing.
	res, err := h.markRead(ctx, callReq("mark_read", map[string]any{
		"conversation_id": conv.ID, "up_to_message_id": "ghost",
	}))
	require.NoError(t, err)
	var out struct {
		Marked int `json:"marked"`
	}
	decodeInto(t, res, &out)
	if out.Marked != 0 {
		t.Errorf("marked = %d, want 0 for missing target", out.Marked)
	}

	res, err = h.markRead(ctx, callReq("mark_read", map[string]any{
		"conversation_id": conv.ID, "up_to_message_id": ids[1],
	}))
	require.NoError(t, err)
	decodeInto(t, res, &out)
	if out.Marked != 2 {
		t.Errorf("marked = %d, want 2", out.Marked)
	}

	// No target marks the rest.
	res, err = h.markRead(ctx, callReq("mark_read", map[string]any{"conversation_id": conv.ID}))
	require.NoError(t, err)
	decodeInto(t, res, &out)
	if out.Marked != 1 {
		t.Errorf("marked = %d, want the remaining 1", out.Marked)
	}
}

func TestRegisterAgent_UpdatesOwnProfileOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := register(t, st, "worker", visibility.Team)
	h := newHandlers(t, st, agent.ID)

	res, err := h.registerAgent(ctx, callReq("register_agent", map[string]any{
		"type":         "reviewer",
		"capabilities": []any{"review", "plan"},
	}))
	require.NoError(t, err)

	var updated store.Agent
	decodeInto(t, res, &updated)
	if updated.ID != agent.ID {
		t.Errorf("ID = %q, want caller's own %q", updated.ID, agent.ID)
	}
	if updated.Type != "reviewer" {
		t.Errorf("Type = %q", updated.Type)
	}
	if updated.ClearanceLevel != visibility.Team {
		t.Errorf("ClearanceLevel = %v, want unchanged", updated.ClearanceLevel)
	}
}

func TestListAgents_ProjectScoped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	member := register(t, st, "member", visibility.Team)
	stranger := register(t, st, "stranger", visibility.Restricted)

	project, _ := st.CreateProject(ctx, store.NewProject{Name: "p", Visibility: visibility.Team, CreatedBy: admin.ID})
	conv, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "t", DefaultVisibility: visibility.Team, CreatedBy: admin.ID,
	})
	hidden, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "h", DefaultVisibility: visibility.Restricted, CreatedBy: admin.ID,
	})
	_, err := st.Subscribe(ctx, conv.ID, admin.ID, store.HistoryFull)
	require.NoError(t, err)
	_, err = st.Subscribe(ctx, hidden.ID, stranger.ID, store.HistoryFull)
	require.NoError(t, err)

	res, err := newHandlers(t, st, member.ID).listAgents(ctx, callReq("list_agents", map[string]any{
		"project_id": project.ID,
	}))
	require.NoError(t, err)

	var out struct {
		Agents []store.Agent `json:"agents"`
	}
	decodeInto(t, res, &out)
	require.Len(t, out.Agents, 1)
	if out.Agents[0].ID != admin.ID {
		t.Errorf("agent = %q, want only the subscriber of the visible conversation", out.Agents[0].Name)
	}
}

func TestGetStatus_UnreadSummary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := register(t, st, "admin", visibility.Restricted)
	agent := register(t, st, "a", visibility.Team)
	project, _ := st.CreateProject(ctx, store.NewProject{Name: "p", Visibility: visibility.Team, CreatedBy: admin.ID})
	conv, _ := st.CreateConversation(ctx, store.NewConversation{
		ProjectID: project.ID, Title: "t", DefaultVisibility: visibility.Team, CreatedBy: admin.ID,
	})
	_, err := st.Subscribe(ctx, conv.ID, agent.ID, store.HistoryFull)
	require.NoError(t, err)
	_, err = st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Team, Content: "ping",
	})
	require.NoError(t, err)

	res, err := newHandlers(t, st, agent.ID).getStatus(ctx, callReq("get_status", nil))
	require.NoError(t, err)

	var out struct {
		Agent         store.Agent `json:"agent"`
		Conversations []struct {
			ConversationID string `json:"conversationId"`
			Unread         int    `json:"unread"`
		} `json:"conversations"`
	}
	decodeInto(t, res, &out)
	if out.Agent.ID != agent.ID {
		t.Errorf("Agent.ID = %q, want caller", out.Agent.ID)
	}
	require.Len(t, out.Conversations, 1)
	if out.Conversations[0].Unread != 1 {
		t.Errorf("Unread = %d, want 1", out.Conversations[0].Unread)
	}
}
