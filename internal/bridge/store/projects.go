package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/timefmt"
)

type projectRow struct {
	ID                  string           `db:"id"`
	Name                string           `db:"name"`
	Description         string           `db:"description"`
	Visibility          visibility.Level `db:"visibility"`
	ConfidentialityMode string           `db:"confidentiality_mode"`
	CreatedBy           string           `db:"created_by"`
	CreatedAt           string           `db:"created_at"`
	UpdatedAt           string           `db:"updated_at"`
}

func (r projectRow) toProject() Project {
	return Project{
		ID:                  r.ID,
		Name:                r.Name,
		Description:         r.Description,
		Visibility:          r.Visibility,
		ConfidentialityMode: ConfidentialityMode(r.ConfidentialityMode),
		CreatedBy:           r.CreatedBy,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

const projectColumns = `id, name, description, visibility, confidentiality_mode, created_by, created_at, updated_at`

// NewProject is the input to CreateProject.
type NewProject struct {
	Name                string
	Description         string
	Visibility          visibility.Level
	ConfidentialityMode ConfidentialityMode
	CreatedBy           string
}

// CreateProject inserts a project. Defaults: visibility team, mode normal.
func (s *Store) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	if p.ConfidentialityMode == "" {
		p.ConfidentialityMode = ModeNormal
	}
	now := timefmt.Now()
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, visibility, confidentiality_mode, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.Description, p.Visibility, string(p.ConfidentialityMode), p.CreatedBy, now, now)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return Project{
		ID:                  id,
		Name:                p.Name,
		Description:         p.Description,
		Visibility:          p.Visibility,
		ConfidentialityMode: p.ConfidentialityMode,
		CreatedBy:           p.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// GetProject returns a project if the caller's clearance admits it.
// Absent and forbidden are the same error.
func (s *Store) GetProject(ctx context.Context, projectID, agentID string) (Project, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return Project{}, err
	}

	var row projectRow
	err = s.db.GetContext(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	if !visibility.CanSee(clearance, row.Visibility) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return row.toProject(), nil
}

// ListProjects returns the projects visible to the caller, most recently
// updated first. The clearance filter runs after the fetch.
func (s *Store) ListProjects(ctx context.Context, agentID string) ([]Project, error) {
	clearance, err := s.clearanceOf(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var rows []projectRow
	err = s.db.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	projects := make([]Project, 0, len(rows))
	for _, r := range rows {
		if visibility.CanSee(clearance, r.Visibility) {
			projects = append(projects, r.toProject())
		}
	}
	return projects, nil
}

// getProjectUnchecked fetches a project with no visibility gate. Internal
// use only (bridge metadata construction, HWM bookkeeping).
func (s *Store) getProjectUnchecked(ctx context.Context, projectID string) (Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return row.toProject(), nil
}
