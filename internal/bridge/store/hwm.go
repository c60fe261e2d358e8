package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/timefmt"
)

// GetHighWaterMark returns the highest visibility level the agent has
// ever read inside a project. A missing row means public.
func (s *Store) GetHighWaterMark(ctx context.Context, agentID, projectID string) (HighWaterMark, error) {
	var row struct {
		AgentID       string           `db:"agent_id"`
		ProjectID     string           `db:"project_id"`
		MaxVisibility visibility.Level `db:"max_visibility"`
		UpdatedAt     string           `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT agent_id, project_id, max_visibility, updated_at
		FROM agent_project_hwm WHERE agent_id = ? AND project_id = ?`,
		agentID, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return HighWaterMark{
			AgentID:       agentID,
			ProjectID:     projectID,
			MaxVisibility: visibility.Public,
		}, nil
	}
	if err != nil {
		return HighWaterMark{}, fmt.Errorf("get high-water mark: %w", err)
	}
	return HighWaterMark{
		AgentID:       row.AgentID,
		ProjectID:     row.ProjectID,
		MaxVisibility: row.MaxVisibility,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// raiseHighWaterMark records that the agent has read content at the
// given level. The mark only ever moves up.
func (s *Store) raiseHighWaterMark(ctx context.Context, agentID, projectID string, lvl visibility.Level) error {
	current, err := s.GetHighWaterMark(ctx, agentID, projectID)
	if err != nil {
		return err
	}
	raised := visibility.Raise(current.MaxVisibility, lvl)
	if current.UpdatedAt != "" && raised == current.MaxVisibility {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_project_hwm (agent_id, project_id, max_visibility, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, project_id) DO UPDATE
		SET max_visibility = excluded.max_visibility, updated_at = excluded.updated_at`,
		agentID, projectID, raised, timefmt.Now())
	if err != nil {
		return fmt.Errorf("raise high-water mark: %w", err)
	}
	return nil
}
