package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/util/timefmt"
)

type agentRow struct {
	ID             string           `db:"id"`
	Name           string           `db:"name"`
	Type           string           `db:"type"`
	Capabilities   string           `db:"capabilities"`
	ClearanceLevel visibility.Level `db:"clearance_level"`
	APIKeyHash     string           `db:"api_key_hash"`
	LastSeenAt     string           `db:"last_seen_at"`
	CreatedAt      string           `db:"created_at"`
}

func (r agentRow) toAgent() Agent {
	return Agent{
		ID:             r.ID,
		Name:           r.Name,
		Type:           r.Type,
		Capabilities:   unmarshalList(r.Capabilities),
		ClearanceLevel: r.ClearanceLevel,
		APIKeyHash:     r.APIKeyHash,
		LastSeenAt:     r.LastSeenAt,
		CreatedAt:      r.CreatedAt,
	}
}

const agentColumns = `id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at`

// RegisterAgent upserts an agent by name. An existing agent keeps its ID
// and created-at; type, capabilities, clearance, and key hash are
// replaced and last-seen is bumped.
func (s *Store) RegisterAgent(ctx context.Context, reg AgentRegistration) (Agent, error) {
	now := timefmt.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("begin register agent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing agentRow
	err = tx.GetContext(ctx, &existing, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, reg.Name)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE agents
			SET type = ?, capabilities = ?, clearance_level = ?, api_key_hash = ?, last_seen_at = ?
			WHERE id = ?`,
			reg.Type, marshalList(reg.Capabilities), reg.ClearanceLevel, reg.APIKeyHash, now, existing.ID)
		if err != nil {
			return Agent{}, fmt.Errorf("update agent %q: %w", reg.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return Agent{}, fmt.Errorf("commit register agent: %w", err)
		}
		return Agent{
			ID:             existing.ID,
			Name:           reg.Name,
			Type:           reg.Type,
			Capabilities:   append([]string{}, reg.Capabilities...),
			ClearanceLevel: reg.ClearanceLevel,
			APIKeyHash:     reg.APIKeyHash,
			LastSeenAt:     now,
			CreatedAt:      existing.CreatedAt,
		}, nil

	case errors.Is(err, sql.ErrNoRows):
		id := newID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, reg.Name, reg.Type, marshalList(reg.Capabilities), reg.ClearanceLevel, reg.APIKeyHash, now, now)
		if err != nil {
			return Agent{}, fmt.Errorf("insert agent %q: %w", reg.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return Agent{}, fmt.Errorf("commit register agent: %w", err)
		}
		return Agent{
			ID:             id,
			Name:           reg.Name,
			Type:           reg.Type,
			Capabilities:   append([]string{}, reg.Capabilities...),
			ClearanceLevel: reg.ClearanceLevel,
			APIKeyHash:     reg.APIKeyHash,
			LastSeenAt:     now,
			CreatedAt:      now,
		}, nil

	default:
		return Agent{}, fmt.Errorf("lookup agent %q: %w", reg.Name, err)
	}
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return row.toAgent(), nil
}

// GetAgentByName returns an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent by name: %w", err)
	}
	return row.toAgent(), nil
}

// ListAgents returns every registered agent, most recently seen first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+agentColumns+` FROM agents ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]Agent, 0, len(rows))
	for _, r := range rows {
		agents = append(agents, r.toAgent())
	}
	return agents, nil
}

// ListAgentsByIDs returns the agents for the given IDs in one query.
func (s *Store) ListAgentsByIDs(ctx context.Context, ids []string) ([]Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+agentColumns+` FROM agents WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("expand agent ids: %w", err)
	}
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list agents by ids: %w", err)
	}
	agents := make([]Agent, 0, len(rows))
	for _, r := range rows {
		agents = append(agents, r.toAgent())
	}
	return agents, nil
}

// UpdateAgentLastSeen bumps an agent's last-seen timestamp.
func (s *Store) UpdateAgentLastSeen(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?`, timefmt.Now(), id)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// UpdateAgentProfile updates the client-writable fields of an agent.
// Clearance and key hash are deliberately out of reach here.
func (s *Store) UpdateAgentProfile(ctx context.Context, id, name, typ string, capabilities []string) (Agent, error) {
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if name == "" {
		name = agent.Name
	}
	if typ == "" {
		typ = agent.Type
	}
	if capabilities == nil {
		capabilities = agent.Capabilities
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, type = ?, capabilities = ?, last_seen_at = ? WHERE id = ?`,
		name, typ, marshalList(capabilities), timefmt.Now(), id)
	if err != nil {
		return Agent{}, fmt.Errorf("update agent profile: %w", err)
	}
	return s.GetAgent(ctx, id)
}
