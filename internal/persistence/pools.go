package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Pool is a named, capacity-bounded group of worker agents of one role.
// Lower priority is preferred by the selector.
type Pool struct {
	Name              string `json:"pool_name"`
	RoleType          string `json:"role_type"`
	Priority          int    `json:"priority"`
	MaxAgents         int    `json:"max_agents"`
	CurrentAgentCount int    `json:"current_agent_count"`
	IsActive          bool   `json:"is_active"`
}

// Load returns the pool's occupancy ratio. A pool with max_agents == 0 can
// never accept work and reports load 1.0.
func (p Pool) Load() float64 {
	if p.MaxAgents <= 0 {
		return 1.0
	}
	return float64(p.CurrentAgentCount) / float64(p.MaxAgents)
}

// UpsertPool creates or updates a pool definition. Occupancy is preserved on
// update; capacity and priority come from the caller.
func (s *Store) UpsertPool(ctx context.Context, p Pool) error {
	if p.Name == "" {
		return fmt.Errorf("pool_name must be non-empty")
	}
	active := 0
	if p.IsActive {
		active = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pools (pool_name, role_type, priority, max_agents, current_agent_count, is_active)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(pool_name) DO UPDATE SET
				role_type = excluded.role_type,
				priority = excluded.priority,
				max_agents = excluded.max_agents,
				is_active = excluded.is_active,
				updated_at = CURRENT_TIMESTAMP;
		`, p.Name, p.RoleType, p.Priority, p.MaxAgents, p.CurrentAgentCount, active)
		if err != nil {
			return fmt.Errorf("upsert pool %s: %w", p.Name, err)
		}
		return nil
	})
}

// GetPool returns a pool by name, or nil when absent.
func (s *Store) GetPool(ctx context.Context, name string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pool_name, role_type, priority, max_agents, current_agent_count, is_active
		FROM pools WHERE pool_name = ?;
	`, name)
	var p Pool
	var active int
	if err := row.Scan(&p.Name, &p.RoleType, &p.Priority, &p.MaxAgents, &p.CurrentAgentCount, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pool %s: %w", name, err)
	}
	p.IsActive = active == 1
	return &p, nil
}

// ListPools returns all pools ordered by (priority, name).
func (s *Store) ListPools(ctx context.Context) ([]Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_name, role_type, priority, max_agents, current_agent_count, is_active
		FROM pools ORDER BY priority ASC, pool_name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []Pool
	for rows.Next() {
		var p Pool
		var active int
		if err := rows.Scan(&p.Name, &p.RoleType, &p.Priority, &p.MaxAgents, &p.CurrentAgentCount, &active); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		p.IsActive = active == 1
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool rows: %w", err)
	}
	return out, nil
}

// ReservePoolSlot atomically increments the pool's occupancy iff the pool is
// active and under capacity. The guard lives in the UPDATE itself so two
// schedulers racing for the last slot cannot both win: exactly one sees
// rows-affected == 1. Returns false when no slot was available.
func (s *Store) ReservePoolSlot(ctx context.Context, name string) (bool, error) {
	var reserved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pools
			SET current_agent_count = current_agent_count + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE pool_name = ?
			  AND is_active = 1
			  AND current_agent_count < max_agents;
		`, name)
		if err != nil {
			return fmt.Errorf("reserve pool slot %s: %w", name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve rows affected: %w", err)
		}
		reserved = affected == 1
		return nil
	})
	return reserved, err
}

// ReleasePoolSlot decrements the pool's occupancy, flooring at zero.
// Releasing an empty pool is a no-op, which keeps release idempotent for
// double-delivered completion events.
func (s *Store) ReleasePoolSlot(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pools
			SET current_agent_count = current_agent_count - 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE pool_name = ? AND current_agent_count > 0;
		`, name)
		if err != nil {
			return fmt.Errorf("release pool slot %s: %w", name, err)
		}
		return nil
	})
}
