package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/timefmt"
)

type conversationRow struct {
	ID                string           `db:"id"`
	ProjectID         string           `db:"project_id"`
	Title             string           `db:"title"`
	Status            string           `db:"status"`
	DefaultVisibility visibility.Level `db:"default_visibility"`
	CreatedBy         string           `db:"created_by"`
	CreatedAt         string           `db:"created_at"`
	UpdatedAt         string           `db:"updated_at"`
}

func (r conversationRow) toConversation() Conversation {
	return Conversation{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		Title:             r.Title,
		Status:            r.Status,
		DefaultVisibility: r.DefaultVisibility,
		CreatedBy:         r.CreatedBy,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

const conversationColumns = `id, project_id, title, status, default_visibility, created_by, created_at, updated_at`

// NewConversation is the input to CreateConversation.
type NewConversation struct {
	ProjectID         string
	Title             string
	DefaultVisibility visibility.Level
	CreatedBy         string
}

// CreateConversation inserts a conversation. It does not subscribe the
// creator; the tool layer does that.
func (s *Store) CreateConversation(ctx context.Context, c NewConversation) (Conversation, error) {
	now := timefmt.Now()
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, title, status, default_visibility, created_by, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?, ?, ?)`,
		id, c.ProjectID, c.Title, c.DefaultVisibility, c.CreatedBy, now, now)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return Conversation{
		ID:                id,
		ProjectID:         c.ProjectID,
		Title:             c.Title,
		Status:            "active",
		DefaultVisibility: c.DefaultVisibility,
		CreatedBy:         c.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// GetConversation fetches a conversation by ID with no visibility gate;
// callers combine it with project-access checks.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toConversation(), nil
}

// ListConversations returns a project's conversations visible to the
// caller, most recently updated first. Project access and per-conversation
// default visibility are both enforced, after the fetch.
func (s *Store) ListConversations(ctx context.Context, projectID, agentID string) ([]Conversation, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return nil, err
	}
	project, err := s.getProjectUnchecked(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !visibility.CanSee(clearance, project.Visibility) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	var rows []conversationRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+conversationColumns+` FROM conversations WHERE project_id = ? ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		if visibility.CanSee(clearance, r.DefaultVisibility) {
			conversations = append(conversations, r.toConversation())
		}
	}
	return conversations, nil
}

// Subscribe inserts or replaces the (conversation, agent) subscription.
func (s *Store) Subscribe(ctx context.Context, conversationID, agentID string, access HistoryAccess) (Subscription, error) {
	if access == "" {
		access = HistoryFull
	}
	now := timefmt.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_agents (conversation_id, agent_id, history_access, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, agent_id) DO UPDATE
		SET history_access = excluded.history_access, joined_at = excluded.joined_at`,
		conversationID, agentID, string(access), now)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscribe: %w", err)
	}
	return Subscription{
		ConversationID: conversationID,
		AgentID:        agentID,
		HistoryAccess:  access,
		JoinedAt:       now,
	}, nil
}

// Unsubscribe removes one subscription pair. Returns false if it was not
// present.
func (s *Store) Unsubscribe(ctx context.Context, conversationID, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_agents WHERE conversation_id = ? AND agent_id = ?`,
		conversationID, agentID)
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	return n > 0, nil
}

// IsSubscribed reports whether the agent has opted into the conversation.
func (s *Store) IsSubscribed(ctx context.Context, conversationID, agentID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM conversation_agents WHERE conversation_id = ? AND agent_id = ?`,
		conversationID, agentID)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return n > 0, nil
}

// ListSubscribers returns every subscription for a conversation.
func (s *Store) ListSubscribers(ctx context.Context, conversationID string) ([]Subscription, error) {
	var rows []struct {
		ConversationID string `db:"conversation_id"`
		AgentID        string `db:"agent_id"`
		HistoryAccess  string `db:"history_access"`
		JoinedAt       string `db:"joined_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT conversation_id, agent_id, history_access, joined_at
		FROM conversation_agents WHERE conversation_id = ? ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	subs := make([]Subscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, Subscription{
			ConversationID: r.ConversationID,
			AgentID:        r.AgentID,
			HistoryAccess:  HistoryAccess(r.HistoryAccess),
			JoinedAt:       r.JoinedAt,
		})
	}
	return subs, nil
}

// SubscribedConversations returns the conversations the agent is
// subscribed to and cleared to see, most recently updated first.
func (s *Store) SubscribedConversations(ctx context.Context, agentID string) ([]Conversation, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		conversationRow
		ProjectVisibility visibility.Level `db:"project_visibility"`
	}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.project_id, c.title, c.status, c.default_visibility, c.created_by, c.created_at, c.updated_at,
		       p.visibility AS project_visibility
		FROM conversations c
		JOIN conversation_agents ca ON ca.conversation_id = c.id
		JOIN projects p ON p.id = c.project_id
		WHERE ca.agent_id = ?
		ORDER BY c.updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list subscribed conversations: %w", err)
	}

	conversations := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		if visibility.CanSee(clearance, r.ProjectVisibility) && visibility.CanSee(clearance, r.DefaultVisibility) {
			conversations = append(conversations, r.toConversation())
		}
	}
	return conversations, nil
}

// getSubscription returns the subscription pair, or ErrNotFound.
func (s *Store) getSubscription(ctx context.Context, conversationID, agentID string) (Subscription, error) {
	var row struct {
		ConversationID string `db:"conversation_id"`
		AgentID        string `db:"agent_id"`
		HistoryAccess  string `db:"history_access"`
		JoinedAt       string `db:"joined_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT conversation_id, agent_id, history_access, joined_at
		FROM conversation_agents WHERE conversation_id = ? AND agent_id = ?`,
		conversationID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return Subscription{
		ConversationID: row.ConversationID,
		AgentID:        row.AgentID,
		HistoryAccess:  HistoryAccess(row.HistoryAccess),
		JoinedAt:       row.JoinedAt,
	}, nil
}
