package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

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

	if err := db.Migrate(sqlDB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store.New(sqlDB)
}

func registerAgent(t *testing.T, st *store.Store, name string, clearance visibility.Level) store.Agent {
	t.Helper()
	agent, err := st.RegisterAgent(context.Background(), store.AgentRegistration{
		Name:           name,
		Type:           "assistant",
		ClearanceLevel: clearance,
	})
	require.NoError(t, err)
	return agent
}

func makeProject(t *testing.T, st *store.Store, creator string, vis visibility.Level) store.Project {
	t.Helper()
	p, err := st.CreateProject(context.Background(), store.NewProject{
		Name:       "proj-" + vis.String(),
		Visibility: vis,
		CreatedBy:  creator,
	})
	require.NoError(t, err)
	return p
}

func makeConversation(t *testing.T, st *store.Store, projectID, creator string, vis visibility.Level) store.Conversation {
	t.Helper()
	c, err := st.CreateConversation(context.Background(), store.NewConversation{
		ProjectID:         projectID,
		Title:             "talk",
		DefaultVisibility: vis,
		CreatedBy:         creator,
	})
	require.NoError(t, err)
	return c
}

// settle keeps successive timestamps distinct; they carry microsecond
// precision and order all listings.
func settle() {
	time.Sleep(2 * time.Millisecond)
}

func TestRegisterAgent_UpsertByName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.RegisterAgent(ctx, store.AgentRegistration{
		Name:           "planner",
		Type:           "assistant",
		Capabilities:   []string{"plan"},
		ClearanceLevel: visibility.Team,
		APIKeyHash:     "hash-1",
	})
	require.NoError(t, err)

	settle()
	second, err := st.RegisterAgent(ctx, store.AgentRegistration{
		Name:           "planner",
		Type:           "reviewer",
		Capabilities:   []string{"plan", "review"},
		ClearanceLevel: visibility.Confidential,
		APIKeyHash:     "hash-2",
	})
	require.NoError(t, err)

	if second.ID != first.ID {
		t.Errorf("ID = %q, want %q (re-registration must keep identity)", second.ID, first.ID)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt = %q, want %q", second.CreatedAt, first.CreatedAt)
	}
	if second.ClearanceLevel != visibility.Confidential {
		t.Errorf("ClearanceLevel = %v, want confidential", second.ClearanceLevel)
	}
	if second.LastSeenAt == first.LastSeenAt {
		t.Error("LastSeenAt was not bumped on re-registration")
	}

	got, err := st.GetAgentByName(ctx, "planner")
	require.NoError(t, err)
	if got.Type != "reviewer" {
		t.Errorf("Type = %q, want %q", got.Type, "reviewer")
	}
}

func TestProjects_ClearanceGate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	guest := registerAgent(t, st, "guest", visibility.Public)

	open := makeProject(t, st, admin.ID, visibility.Public)
	settle()
	secret := makeProject(t, st, admin.ID, visibility.Confidential)

	// The gated getter treats absence and insufficient clearance the
	// same way.
	_, err := st.GetProject(ctx, secret.ID, guest.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProject err = %v, want ErrNotFound", err)
	}
	_, err = st.GetProject(ctx, "no-such-project", guest.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProject err = %v, want ErrNotFound", err)
	}

	got, err := st.GetProject(ctx, open.ID, guest.ID)
	require.NoError(t, err)
	if got.ID != open.ID {
		t.Errorf("ID = %q, want %q", got.ID, open.ID)
	}

	visible, err := st.ListProjects(ctx, guest.ID)
	require.NoError(t, err)
	if len(visible) != 1 || visible[0].ID != open.ID {
		t.Errorf("guest sees %d projects, want only the public one", len(visible))
	}

	all, err := st.ListProjects(ctx, admin.ID)
	require.NoError(t, err)
	if len(all) != 2 {
		t.Errorf("admin sees %d projects, want 2", len(all))
	}
}

func TestMemory_LimitAppliesAfterFiltering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	reader := registerAgent(t, st, "reader", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Public)

	// Newest first: two confidential entries land on top of the listing,
	// then two team entries under them.
	for _, lvl := range []visibility.Level{visibility.Team, visibility.Team, visibility.Confidential, visibility.Confidential} {
		_, err := st.SetMemory(ctx, store.NewMemoryEntry{
			ProjectID:  project.ID,
			Title:      "entry",
			Visibility: lvl,
			Content:    "body",
			CreatedBy:  admin.ID,
		})
		require.NoError(t, err)
		settle()
	}

	got, err := st.GetMemory(ctx, project.ID, reader.ID, store.MemoryFilter{Limit: 2})
	require.NoError(t, err)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (hidden entries must not consume the limit)", len(got))
	}
	for _, e := range got {
		if e.Visibility != visibility.Team {
			t.Errorf("visibility = %v, want team", e.Visibility)
		}
	}
}

func TestMemory_TagFilterAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	project := makeProject(t, st, admin.ID, visibility.Team)

	tagged, err := st.SetMemory(ctx, store.NewMemoryEntry{
		ProjectID:  project.ID,
		Type:       "decision",
		Title:      "use sqlite",
		Tags:       []string{"storage", "adr"},
		Visibility: visibility.Team,
		Content:    "single writer is fine",
		CreatedBy:  admin.ID,
	})
	require.NoError(t, err)
	settle()
	_, err = st.SetMemory(ctx, store.NewMemoryEntry{
		ProjectID:  project.ID,
		Title:      "untagged",
		Visibility: visibility.Team,
		Content:    "note",
		CreatedBy:  admin.ID,
	})
	require.NoError(t, err)

	got, err := st.GetMemory(ctx, project.ID, admin.ID, store.MemoryFilter{Tags: []string{"adr"}})
	require.NoError(t, err)
	if len(got) != 1 || got[0].ID != tagged.ID {
		t.Fatalf("tag filter returned %d entries, want the tagged one", len(got))
	}
	if got[0].Type != "decision" {
		t.Errorf("Type = %q, want %q", got[0].Type, "decision")
	}

	deleted, err := st.DeleteMemory(ctx, tagged.ID)
	require.NoError(t, err)
	if !deleted {
		t.Error("DeleteMemory = false, want true")
	}
	deleted, err = st.DeleteMemory(ctx, tagged.ID)
	require.NoError(t, err)
	if deleted {
		t.Error("second DeleteMemory = true, want false")
	}
}

func TestConversations_ListFiltersDefaultVisibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	member := registerAgent(t, st, "member", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Team)

	open := makeConversation(t, st, project.ID, admin.ID, visibility.Team)
	settle()
	makeConversation(t, st, project.ID, admin.ID, visibility.Restricted)

	got, err := st.ListConversations(ctx, project.ID, member.ID)
	require.NoError(t, err)
	if len(got) != 1 || got[0].ID != open.ID {
		t.Fatalf("member sees %d conversations, want only the team one", len(got))
	}

	all, err := st.ListConversations(ctx, project.ID, admin.ID)
	require.NoError(t, err)
	if len(all) != 2 {
		t.Errorf("admin sees %d conversations, want 2", len(all))
	}

	// A public-clearance agent cannot even list within a team project.
	outsider := registerAgent(t, st, "outsider", visibility.Public)
	_, err = st.ListConversations(ctx, project.ID, outsider.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribe_ReplacesExisting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	sub, err := st.Subscribe(ctx, conv.ID, admin.ID, "")
	require.NoError(t, err)
	if sub.HistoryAccess != store.HistoryFull {
		t.Errorf("HistoryAccess = %q, want full default", sub.HistoryAccess)
	}

	settle()
	sub, err = st.Subscribe(ctx, conv.ID, admin.ID, store.HistoryFromJoin)
	require.NoError(t, err)
	if sub.HistoryAccess != store.HistoryFromJoin {
		t.Errorf("HistoryAccess = %q, want from_join after resubscribe", sub.HistoryAccess)
	}

	subs, err := st.ListSubscribers(ctx, conv.ID)
	require.NoError(t, err)
	if len(subs) != 1 {
		t.Fatalf("len = %d, want 1 (resubscribe must replace, not duplicate)", len(subs))
	}

	ok, err := st.Unsubscribe(ctx, conv.ID, admin.ID)
	require.NoError(t, err)
	if !ok {
		t.Error("Unsubscribe = false, want true")
	}
	subscribed, err := st.IsSubscribed(ctx, conv.ID, admin.ID)
	require.NoError(t, err)
	if subscribed {
		t.Error("IsSubscribed = true after unsubscribe")
	}
}

func TestSendMessage_CapsVisibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	sender := registerAgent(t, st, "sender", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	msg, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      sender.ID,
		Visibility:     visibility.Restricted,
		Content:        "attempted over-classification",
	})
	require.NoError(t, err)

	if msg.Visibility != visibility.Team {
		t.Errorf("Visibility = %v, want team (capped at sender clearance)", msg.Visibility)
	}
	if !msg.BridgeMetadata.VisibilityCapped {
		t.Error("VisibilityCapped = false, want true")
	}
	if msg.BridgeMetadata.OriginalVisibility == nil || *msg.BridgeMetadata.OriginalVisibility != visibility.Restricted {
		t.Error("OriginalVisibility not recorded")
	}
	if msg.BridgeMetadata.SenderClearance != visibility.Team {
		t.Errorf("SenderClearance = %v, want team", msg.BridgeMetadata.SenderClearance)
	}

	// An uncapped send carries no original visibility.
	msg2, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      sender.ID,
		Visibility:     visibility.Public,
		Content:        "plain",
	})
	require.NoError(t, err)
	if msg2.BridgeMetadata.VisibilityCapped || msg2.BridgeMetadata.OriginalVisibility != nil {
		t.Error("uncapped message must not carry capping metadata")
	}
}

func TestSendMessage_StripsForgedMetadata(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	msg, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "hello",
		Metadata: map[string]json.RawMessage{
			"bridgeMetadata":  json.RawMessage(`{"visibility":"restricted"}`),
			"_bridge_control": json.RawMessage(`true`),
			"BRIDGE_OVERRIDE": json.RawMessage(`1`),
			"notes":           json.RawMessage(`"legit"`),
		},
	})
	require.NoError(t, err)

	var meta map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msg.AgentMetadata, &meta))
	if len(meta) != 1 {
		t.Fatalf("metadata keys = %d, want 1 (forged bridge keys stripped)", len(meta))
	}
	if _, ok := meta["notes"]; !ok {
		t.Error("legitimate key was stripped")
	}

	// All-forged metadata collapses to none at all.
	msg2, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "hello again",
		Metadata: map[string]json.RawMessage{
			"_bridgeMetadata": json.RawMessage(`{}`),
		},
	})
	require.NoError(t, err)
	if msg2.AgentMetadata != nil {
		t.Errorf("AgentMetadata = %s, want none", msg2.AgentMetadata)
	}
}

func TestSendMessage_InstructionsFollowProjectMode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	p, err := st.CreateProject(ctx, store.NewProject{
		Name:                "locked-down",
		Visibility:          visibility.Team,
		ConfidentialityMode: store.ModeStrict,
		CreatedBy:           admin.ID,
	})
	require.NoError(t, err)
	conv := makeConversation(t, st, p.ID, admin.ID, visibility.Team)

	msg, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "x",
	})
	require.NoError(t, err)
	if msg.BridgeMetadata.Instructions.Mode != store.ModeStrict {
		t.Errorf("Instructions.Mode = %q, want strict", msg.BridgeMetadata.Instructions.Mode)
	}
	if msg.BridgeMetadata.Instructions.Confidentiality == "" {
		t.Error("Instructions.Confidentiality is empty")
	}
}

type captureEmitter struct {
	got []store.Message
}

func (c *captureEmitter) MessageCreated(m store.Message) { c.got = append(c.got, m) }

func TestSendMessage_EmitsAfterCommit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	emitter := &captureEmitter{}
	st.SetEmitter(emitter)

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	msg, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "committed",
	})
	require.NoError(t, err)

	require.Len(t, emitter.got, 1)
	if emitter.got[0].ID != msg.ID {
		t.Errorf("emitted ID = %q, want %q", emitter.got[0].ID, msg.ID)
	}

	// A failed send must not emit.
	_, err = st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: "no-such-conversation",
		FromAgent:      admin.ID,
		Content:        "x",
	})
	require.Error(t, err)
	require.Len(t, emitter.got, 1)
}

func TestGetMessages_LimitAppliesAfterClearanceFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	reader := registerAgent(t, st, "reader", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	_, err := st.Subscribe(ctx, conv.ID, reader.ID, store.HistoryFull)
	require.NoError(t, err)

	// Interleave hidden and visible messages.
	for _, lvl := range []visibility.Level{
		visibility.Restricted, visibility.Team, visibility.Restricted, visibility.Team, visibility.Team,
	} {
		_, err := st.SendMessage(ctx, store.OutgoingMessage{
			ConversationID: conv.ID,
			FromAgent:      admin.ID,
			Visibility:     lvl,
			Content:        lvl.String(),
		})
		require.NoError(t, err)
		settle()
	}

	got, err := st.GetMessages(ctx, conv.ID, reader.ID, store.MessageFilter{Limit: 3})
	require.NoError(t, err)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (hidden messages must not consume the limit)", len(got))
	}
	for _, m := range got {
		if m.Visibility != visibility.Team {
			t.Errorf("visibility = %v, want team", m.Visibility)
		}
	}

	// Unsubscribed agents get nothing, not even an empty page.
	other := registerAgent(t, st, "other", visibility.Restricted)
	_, err = st.GetMessages(ctx, conv.ID, other.ID, store.MessageFilter{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for unsubscribed reader", err)
	}
}

func TestGetMessages_FromJoinHidesHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	late := registerAgent(t, st, "latecomer", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)

	_, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "before join",
	})
	require.NoError(t, err)
	settle()

	_, err = st.Subscribe(ctx, conv.ID, late.ID, store.HistoryFromJoin)
	require.NoError(t, err)
	settle()

	after, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID,
		FromAgent:      admin.ID,
		Visibility:     visibility.Team,
		Content:        "after join",
	})
	require.NoError(t, err)

	got, err := st.GetMessages(ctx, conv.ID, late.ID, store.MessageFilter{})
	require.NoError(t, err)
	if len(got) != 1 || got[0].ID != after.ID {
		t.Fatalf("latecomer sees %d messages, want only the post-join one", len(got))
	}
}

func TestGetMessages_SinceIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)
	_, err := st.Subscribe(ctx, conv.ID, admin.ID, store.HistoryFull)
	require.NoError(t, err)

	first, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Team, Content: "one",
	})
	require.NoError(t, err)
	settle()
	second, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Team, Content: "two",
	})
	require.NoError(t, err)

	got, err := st.GetMessages(ctx, conv.ID, admin.ID, store.MessageFilter{Since: first.CreatedAt})
	require.NoError(t, err)
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("since filter returned %d messages, want only the second", len(got))
	}
}

func TestUnreadFlow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	reader := registerAgent(t, st, "reader", visibility.Team)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)
	_, err := st.Subscribe(ctx, conv.ID, reader.ID, store.HistoryFull)
	require.NoError(t, err)

	var ids []string
	for _, lvl := range []visibility.Level{visibility.Team, visibility.Restricted, visibility.Team} {
		m, err := st.SendMessage(ctx, store.OutgoingMessage{
			ConversationID: conv.ID, FromAgent: admin.ID, Visibility: lvl, Content: "x",
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
		settle()
	}

	// Only the two team-visible messages count as unread for the reader.
	count, err := st.GetUnreadCount(ctx, conv.ID, reader.ID)
	require.NoError(t, err)
	if count != 2 {
		t.Errorf("unread = %d, want 2", count)
	}

	marked, err := st.MarkRead(ctx, reader.ID, []string{ids[0]})
	require.NoError(t, err)
	if marked != 1 {
		t.Errorf("marked = %d, want 1", marked)
	}
	marked, err = st.MarkRead(ctx, reader.ID, []string{ids[0]})
	require.NoError(t, err)
	if marked != 0 {
		t.Errorf("re-mark = %d, want 0", marked)
	}

	count, err = st.GetUnreadCount(ctx, conv.ID, reader.ID)
	require.NoError(t, err)
	if count != 1 {
		t.Errorf("unread after mark = %d, want 1", count)
	}

	unread, err := st.GetMessages(ctx, conv.ID, reader.ID, store.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	if len(unread) != 1 || unread[0].ID != ids[2] {
		t.Fatalf("unread listing has %d messages, want the last team one", len(unread))
	}

	// Unread means absent from read-marks: the sender's own unmarked
	// messages count against them too.
	_, err = st.Subscribe(ctx, conv.ID, admin.ID, store.HistoryFull)
	require.NoError(t, err)
	count, err = st.GetUnreadCount(ctx, conv.ID, admin.ID)
	require.NoError(t, err)
	if count != 3 {
		t.Errorf("sender unread = %d, want 3", count)
	}
}

func TestUnreadFlow_TwoAgentWorkflow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	code := registerAgent(t, st, "code", visibility.Confidential)
	desktop := registerAgent(t, st, "desktop", visibility.Team)
	project := makeProject(t, st, code.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, code.ID, visibility.Team)
	for _, id := range []string{code.ID, desktop.ID} {
		_, err := st.Subscribe(ctx, conv.ID, id, store.HistoryFull)
		require.NoError(t, err)
	}

	send := func(from string, vis visibility.Level, content string) store.Message {
		t.Helper()
		m, err := st.SendMessage(ctx, store.OutgoingMessage{
			ConversationID: conv.ID, FromAgent: from, Visibility: vis, Content: content,
		})
		require.NoError(t, err)
		settle()
		return m
	}
	m1 := send(code.ID, visibility.Public, "Here's the proposed architecture")
	m2 := send(code.ID, visibility.Confidential, "Internal notes")
	m3 := send(desktop.ID, visibility.Team, "Looks good, but consider caching")

	got, err := st.GetMessages(ctx, conv.ID, desktop.ID, store.MessageFilter{})
	require.NoError(t, err)
	if len(got) != 2 || got[0].ID != m1.ID || got[1].ID != m3.ID {
		t.Fatalf("desktop sees %d messages, want [m1 m3]", len(got))
	}
	got, err = st.GetMessages(ctx, conv.ID, code.ID, store.MessageFilter{})
	require.NoError(t, err)
	if len(got) != 3 || got[1].ID != m2.ID {
		t.Fatalf("code sees %d messages, want [m1 m2 m3]", len(got))
	}

	_, err = st.MarkRead(ctx, desktop.ID, []string{m1.ID, m3.ID})
	require.NoError(t, err)

	count, err := st.GetUnreadCount(ctx, conv.ID, desktop.ID)
	require.NoError(t, err)
	if count != 0 {
		t.Errorf("desktop unread = %d, want 0", count)
	}
	count, err = st.GetUnreadCount(ctx, conv.ID, code.ID)
	require.NoError(t, err)
	if count != 3 {
		t.Errorf("code unread = %d, want 3", count)
	}
}

func TestGetMessages_ClearanceDowngradeClosesProject(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	member := registerAgent(t, st, "member", visibility.Confidential)
	project := makeProject(t, st, admin.ID, visibility.Confidential)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)
	_, err := st.Subscribe(ctx, conv.ID, member.ID, store.HistoryFull)
	require.NoError(t, err)
	_, err = st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Team, Content: "x",
	})
	require.NoError(t, err)

	msgs, err := st.GetMessages(ctx, conv.ID, member.ID, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Re-registration replaces clearance; the standing subscription must
	// not keep the project's conversations readable.
	_, err = st.RegisterAgent(ctx, store.AgentRegistration{
		Name: "member", ClearanceLevel: visibility.Team,
	})
	require.NoError(t, err)

	_, err = st.GetMessages(ctx, conv.ID, member.ID, store.MessageFilter{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessages after downgrade = %v, want ErrNotFound", err)
	}
	_, err = st.GetUnreadCount(ctx, conv.ID, member.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUnreadCount after downgrade = %v, want ErrNotFound", err)
	}
}

func TestHighWaterMark_Monotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	admin := registerAgent(t, st, "admin", visibility.Restricted)
	reader := registerAgent(t, st, "reader", visibility.Confidential)
	project := makeProject(t, st, admin.ID, visibility.Team)
	conv := makeConversation(t, st, project.ID, admin.ID, visibility.Team)
	_, err := st.Subscribe(ctx, conv.ID, reader.ID, store.HistoryFull)
	require.NoError(t, err)

	hwm, err := st.GetHighWaterMark(ctx, reader.ID, project.ID)
	require.NoError(t, err)
	if hwm.MaxVisibility != visibility.Public {
		t.Errorf("initial mark = %v, want public", hwm.MaxVisibility)
	}

	confidential, err := st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Confidential, Content: "secret",
	})
	require.NoError(t, err)
	settle()
	_, err = st.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: conv.ID, FromAgent: admin.ID, Visibility: visibility.Public, Content: "open",
	})
	require.NoError(t, err)

	_, err = st.GetMessages(ctx, conv.ID, reader.ID, store.MessageFilter{})
	require.NoError(t, err)
	hwm, err = st.GetHighWaterMark(ctx, reader.ID, project.ID)
	require.NoError(t, err)
	if hwm.MaxVisibility != visibility.Confidential {
		t.Errorf("mark = %v, want confidential", hwm.MaxVisibility)
	}

	// Reading only public content afterwards must not lower the mark.
	_, err = st.GetMessages(ctx, conv.ID, reader.ID, store.MessageFilter{Since: confidential.CreatedAt})
	require.NoError(t, err)
	hwm, err = st.GetHighWaterMark(ctx, reader.ID, project.ID)
	require.NoError(t, err)
	if hwm.MaxVisibility != visibility.Confidential {
		t.Errorf("mark = %v after public read, want confidential (monotonic)", hwm.MaxVisibility)
	}
}

func TestUpdateAgentProfile_LeavesClearanceAlone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := registerAgent(t, st, "worker", visibility.Team)

	updated, err := st.UpdateAgentProfile(ctx, agent.ID, "worker-2", "", []string{"code"})
	require.NoError(t, err)
	if updated.Name != "worker-2" {
		t.Errorf("Name = %q, want %q", updated.Name, "worker-2")
	}
	if updated.Type != "assistant" {
		t.Errorf("Type = %q, want unchanged", updated.Type)
	}
	if updated.ClearanceLevel != visibility.Team {
		t.Errorf("ClearanceLevel = %v, want unchanged team", updated.ClearanceLevel)
	}
}
