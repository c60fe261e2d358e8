package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/timefmt"
)

type memoryRow struct {
	ID         string           `db:"id"`
	ProjectID  string           `db:"project_id"`
	Type       string           `db:"type"`
	Title      string           `db:"title"`
	Tags       string           `db:"tags"`
	Priority   string           `db:"priority"`
	Visibility visibility.Level `db:"visibility"`
	Content    string           `db:"content"`
	CreatedBy  string           `db:"created_by"`
	CreatedAt  string           `db:"created_at"`
	UpdatedAt  string           `db:"updated_at"`
}

func (r memoryRow) toEntry() MemoryEntry {
	return MemoryEntry{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		Type:       r.Type,
		Title:      r.Title,
		Tags:       unmarshalList(r.Tags),
		Priority:   r.Priority,
		Visibility: r.Visibility,
		Content:    r.Content,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

const memoryColumns = `id, project_id, type, title, tags, priority, visibility, content, created_by, created_at, updated_at`

// NewMemoryEntry is the input to SetMemory.
type NewMemoryEntry struct {
	ProjectID  string
	Type       string
	Title      string
	Tags       []string
	Priority   string
	Visibility visibility.Level
	Content    string
	CreatedBy  string
}

// SetMemory inserts a memory entry with defaults applied.
func (s *Store) SetMemory(ctx context.Context, e NewMemoryEntry) (MemoryEntry, error) {
	if e.Type == "" {
		e.Type = "note"
	}
	if e.Priority == "" {
		e.Priority = "medium"
	}
	now := timefmt.Now()
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memory (id, project_id, type, title, tags, priority, visibility, content, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.ProjectID, e.Type, e.Title, marshalList(e.Tags), e.Priority, e.Visibility, e.Content, e.CreatedBy, now, now)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("insert memory entry: %w", err)
	}
	return MemoryEntry{
		ID:         id,
		ProjectID:  e.ProjectID,
		Type:       e.Type,
		Title:      e.Title,
		Tags:       unmarshalList(marshalList(e.Tags)),
		Priority:   e.Priority,
		Visibility: e.Visibility,
		Content:    e.Content,
		CreatedBy:  e.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetMemory returns memory entries for a project, newest first. The
// clearance and tag filters run after the fetch; the limit applies last.
func (s *Store) GetMemory(ctx context.Context, projectID, agentID string, f MemoryFilter) ([]MemoryEntry, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + memoryColumns + ` FROM project_memory WHERE project_id = ?`
	args := []any{projectID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC`

	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}

	entries := make([]MemoryEntry, 0, len(rows))
	for _, r := range rows {
		if !visibility.CanSee(clearance, r.Visibility) {
			continue
		}
		entry := r.toEntry()
		if len(f.Tags) > 0 && !tagsOverlap(entry.Tags, f.Tags) {
			continue
		}
		entries = append(entries, entry)
		if f.Limit > 0 && len(entries) == f.Limit {
			break
		}
	}
	return entries, nil
}

// GetMemoryEntry fetches one entry by ID with no visibility gate; the
// tool layer combines it with the project-access check.
func (s *Store) GetMemoryEntry(ctx context.Context, id string) (MemoryEntry, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+memoryColumns+` FROM project_memory WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryEntry{}, fmt.Errorf("memory entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("get memory entry: %w", err)
	}
	return row.toEntry(), nil
}

// DeleteMemory hard-deletes an entry. Returns false if it did not exist.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_memory WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory entry: %w", err)
	}
	return n > 0, nil
}

func tagsOverlap(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
