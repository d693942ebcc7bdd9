package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Project holds the routing-relevant slice of a project row: the ownership
// pointer and the main workspace path the worktrees hang off.
type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ActiveAgentID string `json:"active_agent_id,omitempty"`
	MainWorkspace string `json:"main_workspace"`
}

// EnsureProject inserts the project row if it does not exist yet.
func (s *Store) EnsureProject(ctx context.Context, id, name, mainWorkspace string) error {
	if id == "" {
		return fmt.Errorf("project id must be non-empty")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, main_workspace)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, id, name, mainWorkspace)
		if err != nil {
			return fmt.Errorf("ensure project %s: %w", id, err)
		}
		return nil
	})
}

// GetProject returns a project by ID, or nil when absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(active_agent_id, ''), main_workspace
		FROM projects WHERE id = ?;
	`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.ActiveAgentID, &p.MainWorkspace); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by ID.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(active_agent_id, ''), main_workspace
		FROM projects ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ActiveAgentID, &p.MainWorkspace); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return out, nil
}

// SetActiveAgent records which agent currently owns the project's in-flight
// story work.
func (s *Store) SetActiveAgent(ctx context.Context, projectID, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE projects SET active_agent_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, agentID, projectID)
		if err != nil {
			return fmt.Errorf("set active agent for %s: %w", projectID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set active agent rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("project %s not found", projectID)
		}
		return nil
	})
}

// ClearActiveAgent releases project ownership and returns the agent that held
// it. Clearing an already-clear pointer is a no-op, not an error: completion
// events can be delivered twice.
func (s *Store) ClearActiveAgent(ctx context.Context, projectID string) (previousAgent string, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear-ownership tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT active_agent_id FROM projects WHERE id = ?;
		`, projectID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %s not found", projectID)
			}
			return fmt.Errorf("read active agent: %w", err)
		}
		previousAgent = ""
		if current.Valid {
			previousAgent = current.String
		}
		if previousAgent == "" {
			// Already clear; nothing to do.
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET active_agent_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, projectID); err != nil {
			return fmt.Errorf("clear active agent: %w", err)
		}
		return tx.Commit()
	})
	return previousAgent, err
}
