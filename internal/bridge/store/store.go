// Package store implements the bridge's persistent, visibility-enforcing
// data model. Every read that returns user-visible data takes the caller's
// agent ID and filters by clearance inside the store; callers cannot
// bypass it. Visibility and tag filters always run in application code
// after the database fetch, and limits apply after filtering, so a
// truncated listing never leaks how many entries were hidden.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agorai/agorai/internal/bridge/visibility"
)

// ErrNotFound is returned for rows that do not exist. The tool layer
// collapses it with authorization failures so absence is never
// distinguishable from lack of clearance.
var ErrNotFound = errors.New("not found")

// Emitter receives a committed message exactly once, after the
// transaction that wrote it. The store never blocks on it.
type Emitter interface {
	MessageCreated(Message)
}

// Store wraps the sqlite handle. Safe for concurrent use; sqlite
// serializes writers through the single connection.
type Store struct {
	db      *sqlx.DB
	emitter Emitter
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// SetEmitter installs the post-commit event sink. Must be called before
// the store is shared.
func (s *Store) SetEmitter(e Emitter) {
	s.emitter = e
}

func newID() string {
	return uuid.NewString()
}

// clearanceOf looks up an agent's clearance level.
func (s *Store) clearanceOf(ctx context.Context, agentID string) (visibility.Level, error) {
	var lvl visibility.Level
	err := s.db.GetContext(ctx, &lvl, `SELECT clearance_level FROM agents WHERE id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup clearance: %w", err)
	}
	return lvl, nil
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalList(raw string) []string {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil || items == nil {
		return []string{}
	}
	return items
}
