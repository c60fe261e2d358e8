package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/metrics"
	"github.com/agorai/agorai/internal/util/timefmt"
)

type messageRow struct {
	ID             string           `db:"id"`
	ConversationID string           `db:"conversation_id"`
	FromAgent      string           `db:"from_agent"`
	Type           string           `db:"type"`
	Visibility     visibility.Level `db:"visibility"`
	Content        string           `db:"content"`
	AgentMetadata  sql.NullString   `db:"agent_metadata"`
	BridgeMetadata string           `db:"bridge_metadata"`
	CreatedAt      string           `db:"created_at"`
}

func (r messageRow) toMessage() (Message, error) {
	m := Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		FromAgent:      r.FromAgent,
		Type:           r.Type,
		Visibility:     r.Visibility,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
	if r.AgentMetadata.Valid && r.AgentMetadata.String != "" {
		m.AgentMetadata = json.RawMessage(r.AgentMetadata.String)
	}
	if err := json.Unmarshal([]byte(r.BridgeMetadata), &m.BridgeMetadata); err != nil {
		return Message{}, fmt.Errorf("decode bridge metadata for message %s: %w", r.ID, err)
	}
	return m, nil
}

const messageColumns = `id, conversation_id, from_agent, type, visibility, content, agent_metadata, bridge_metadata, created_at`

// SendMessage commits a message to a conversation. The requested
// visibility is capped at the sender's clearance, sender-supplied
// metadata posing as bridge metadata is stripped, and the
// server-authored bridge metadata is attached. The emitter fires only
// after the transaction commits.
func (s *Store) SendMessage(ctx context.Context, out OutgoingMessage) (Message, error) {
	sender, err := s.GetAgent(ctx, out.FromAgent)
	if err != nil {
		return Message{}, err
	}
	conv, err := s.GetConversation(ctx, out.ConversationID)
	if err != nil {
		return Message{}, err
	}
	project, err := s.getProjectUnchecked(ctx, conv.ProjectID)
	if err != nil {
		return Message{}, err
	}

	requested := out.Visibility
	effective := visibility.Cap(requested, sender.ClearanceLevel)
	capped := effective != requested

	now := timefmt.Now()
	bridge := BridgeMetadata{
		Visibility:       effective,
		SenderClearance:  sender.ClearanceLevel,
		VisibilityCapped: capped,
		Timestamp:        now,
		Instructions:     instructionsFor(project.ConfidentialityMode),
	}
	if capped {
		orig := requested
		bridge.OriginalVisibility = &orig
	}
	bridgeJSON, err := json.Marshal(bridge)
	if err != nil {
		return Message{}, fmt.Errorf("encode bridge metadata: %w", err)
	}

	var agentMetaJSON sql.NullString
	if meta := stripForgedKeys(out.Metadata); meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return Message{}, fmt.Errorf("encode agent metadata: %w", err)
		}
		agentMetaJSON = sql.NullString{String: string(b), Valid: true}
	}

	msgType := out.Type
	if msgType == "" {
		msgType = "message"
	}
	id := newID()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin send message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, from_agent, type, visibility, content, agent_metadata, bridge_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, out.ConversationID, out.FromAgent, msgType, effective, out.Content, agentMetaJSON, string(bridgeJSON), now)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, out.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit send message: %w", err)
	}

	msg := Message{
		ID:             id,
		ConversationID: out.ConversationID,
		FromAgent:      out.FromAgent,
		Type:           msgType,
		Visibility:     effective,
		Content:        out.Content,
		BridgeMetadata: bridge,
		CreatedAt:      now,
	}
	if agentMetaJSON.Valid {
		msg.AgentMetadata = json.RawMessage(agentMetaJSON.String)
	}

	metrics.MessagesTotal.WithLabelValues(effective.String()).Inc()
	if s.emitter != nil {
		s.emitter.MessageCreated(msg)
	}
	return msg, nil
}

// GetMessages returns a conversation's messages visible to the caller,
// oldest first. The caller must be subscribed and must still clear the
// enclosing project's visibility; a from_join subscription hides
// messages that predate the join. The clearance filter runs after the
// fetch and the limit applies after filtering. Reading raises the
// caller's per-project visibility high-water mark.
func (s *Store) GetMessages(ctx context.Context, conversationID, agentID string, f MessageFilter) ([]Message, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sub, err := s.getSubscription(ctx, conversationID, agentID)
	if err != nil {
		return nil, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	// A subscription does not outlive the agent's clearance: if the
	// project has moved out of reach, the conversation is gone too.
	project, err := s.getProjectUnchecked(ctx, conv.ProjectID)
	if err != nil {
		return nil, err
	}
	if !visibility.CanSee(clearance, project.Visibility) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if f.Since != "" {
		query += ` AND created_at > ?`
		args = append(args, f.Since)
	}
	if sub.HistoryAccess == HistoryFromJoin {
		query += ` AND created_at >= ?`
		args = append(args, sub.JoinedAt)
	}
	if f.UnreadOnly {
		query += ` AND id NOT IN (SELECT message_id FROM message_reads WHERE agent_id = ?)`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at ASC`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]Message, 0, len(rows))
	maxSeen := visibility.Public
	for _, r := range rows {
		if !visibility.CanSee(clearance, r.Visibility) {
			continue
		}
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
		maxSeen = visibility.Raise(maxSeen, m.Visibility)
		if f.Limit > 0 && len(messages) == f.Limit {
			break
		}
	}

	if len(messages) > 0 {
		if err := s.raiseHighWaterMark(ctx, agentID, conv.ProjectID, maxSeen); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// GetUnreadCount counts the caller's unread, clearance-visible messages
// in a conversation. The caller's own messages count too until marked:
// "unread" means absent from read-marks, not "from someone else".
func (s *Store) GetUnreadCount(ctx context.Context, conversationID, agentID string) (int, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return 0, err
	}
	sub, err := s.getSubscription(ctx, conversationID, agentID)
	if err != nil {
		return 0, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	project, err := s.getProjectUnchecked(ctx, conv.ProjectID)
	if err != nil {
		return 0, err
	}
	if !visibility.CanSee(clearance, project.Visibility) {
		return 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	query := `
		SELECT visibility FROM messages
		WHERE conversation_id = ?
		AND id NOT IN (SELECT message_id FROM message_reads WHERE agent_id = ?)`
	args := []any{conversationID, agentID}
	if sub.HistoryAccess == HistoryFromJoin {
		query += ` AND created_at >= ?`
		args = append(args, sub.JoinedAt)
	}

	var levels []visibility.Level
	if err := s.db.SelectContext(ctx, &levels, query, args...); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	count := 0
	for _, lvl := range levels {
		if visibility.CanSee(clearance, lvl) {
			count++
		}
	}
	return count, nil
}

// MarkRead records read receipts for the given messages. Re-marking is
// a no-op; the count of newly marked messages is returned.
func (s *Store) MarkRead(ctx context.Context, agentID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	now := timefmt.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	marked := 0
	for _, id := range messageIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, agent_id, read_at)
			VALUES (?, ?, ?)
			ON CONFLICT (message_id, agent_id) DO NOTHING`,
			id, agentID, now)
		if err != nil {
			return 0, fmt.Errorf("mark read %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark read %s: %w", id, err)
		}
		marked += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark read: %w", err)
	}
	return marked, nil
}
