package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LimitType distinguishes blocking limits from advisory ones.
type LimitType string

const (
	LimitHard LimitType = "hard"
	LimitSoft LimitType = "soft"
)

// WIPLimit caps how many tasks may occupy a kanban column for a project.
type WIPLimit struct {
	ProjectID string    `json:"project_id"`
	Column    string    `json:"column_name"`
	Limit     int       `json:"wip_limit"`
	Type      LimitType `json:"limit_type"`
}

// UpsertWIPLimit creates or replaces the limit for (project, column).
func (s *Store) UpsertWIPLimit(ctx context.Context, l WIPLimit) error {
	if l.Type != LimitHard && l.Type != LimitSoft {
		return fmt.Errorf("invalid limit_type %q", l.Type)
	}
	if l.Limit < 0 {
		return fmt.Errorf("wip_limit must be non-negative, got %d", l.Limit)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO wip_limits (project_id, column_name, wip_limit, limit_type)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(project_id, column_name) DO UPDATE SET
				wip_limit = excluded.wip_limit,
				limit_type = excluded.limit_type,
				updated_at = CURRENT_TIMESTAMP;
		`, l.ProjectID, l.Column, l.Limit, l.Type)
		if err != nil {
			return fmt.Errorf("upsert wip limit %s/%s: %w", l.ProjectID, l.Column, err)
		}
		return nil
	})
}

// GetWIPLimit returns the configured limit for (project, column), or nil when
// the column is unconfigured (= unlimited).
func (s *Store) GetWIPLimit(ctx context.Context, projectID, column string) (*WIPLimit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, column_name, wip_limit, limit_type
		FROM wip_limits WHERE project_id = ? AND column_name = ?;
	`, projectID, column)
	var l WIPLimit
	if err := row.Scan(&l.ProjectID, &l.Column, &l.Limit, &l.Type); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wip limit %s/%s: %w", projectID, column, err)
	}
	return &l, nil
}

// ListWIPLimits returns all limits for a project.
func (s *Store) ListWIPLimits(ctx context.Context, projectID string) ([]WIPLimit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, column_name, wip_limit, limit_type
		FROM wip_limits WHERE project_id = ? ORDER BY column_name ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list wip limits: %w", err)
	}
	defer rows.Close()

	var out []WIPLimit
	for rows.Next() {
		var l WIPLimit
		if err := rows.Scan(&l.ProjectID, &l.Column, &l.Limit, &l.Type); err != nil {
			return nil, fmt.Errorf("scan wip limit: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wip limit rows: %w", err)
	}
	return out, nil
}

// CountColumnOccupancy recomputes the live task count for (project, column).
// Occupancy is never cached: transitions elsewhere in the system move tasks
// between columns, and a stale counter here would corrupt admission control.
// Terminal tasks do not occupy a column.
func (s *Store) CountColumnOccupancy(ctx context.Context, projectID, column string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE project_id = ? AND board_column = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled');
	`, projectID, column).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count occupancy %s/%s: %w", projectID, column, err)
	}
	return count, nil
}
