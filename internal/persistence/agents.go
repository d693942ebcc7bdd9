package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AgentStatus is the runtime worker state machine:
//
//	created → starting → running ⇄ {idle, busy} → stopping → stopped
//
// with error and terminated reachable from any non-terminal state.
type AgentStatus string

const (
	AgentCreated    AgentStatus = "created"
	AgentStarting   AgentStatus = "starting"
	AgentRunning    AgentStatus = "running"
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentStopping   AgentStatus = "stopping"
	AgentStopped    AgentStatus = "stopped"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// ErrIllegalTransition is returned when an agent status update would violate
// the state machine.
var ErrIllegalTransition = errors.New("illegal agent status transition")

var agentTransitions = map[AgentStatus]map[AgentStatus]struct{}{
	AgentCreated: {
		AgentStarting: {},
	},
	AgentStarting: {
		AgentRunning: {},
	},
	AgentRunning: {
		AgentIdle:     {},
		AgentBusy:     {},
		AgentStopping: {},
	},
	AgentIdle: {
		AgentBusy:     {},
		AgentRunning:  {},
		AgentStopping: {},
	},
	AgentBusy: {
		AgentIdle:     {},
		AgentRunning:  {},
		AgentStopping: {},
	},
	AgentStopping: {
		AgentStopped: {},
	},
}

// IsTerminal reports whether the status admits no further transitions.
func (st AgentStatus) IsTerminal() bool {
	switch st {
	case AgentStopped, AgentError, AgentTerminated:
		return true
	}
	return false
}

// EligibleForWork reports whether an agent in this status may receive new
// work during reassignment.
func (st AgentStatus) EligibleForWork() bool {
	return st == AgentIdle || st == AgentStopped
}

// CanTransition reports whether from → to is a legal move. error and
// terminated are reachable from any non-terminal state.
func CanTransition(from, to AgentStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == AgentError || to == AgentTerminated {
		return true
	}
	next, ok := agentTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Agent is a runtime worker instance. An agent belongs to at most one pool
// at a time.
type Agent struct {
	ID        string      `json:"id"`
	PoolName  string      `json:"pool_name,omitempty"` // empty when unassigned
	RoleType  string      `json:"role_type"`
	Status    AgentStatus `json:"status"`
	ProjectID string      `json:"project_id,omitempty"`
}

// CreateAgent inserts a new agent in status created.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id must be non-empty")
	}
	if a.Status == "" {
		a.Status = AgentCreated
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, pool_name, role_type, status, project_id)
			VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''));
		`, a.ID, a.PoolName, a.RoleType, a.Status, a.ProjectID)
		if err != nil {
			return fmt.Errorf("create agent %s: %w", a.ID, err)
		}
		return nil
	})
}

// GetAgent returns an agent by ID, or nil when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(pool_name, ''), role_type, status, COALESCE(project_id, '')
		FROM agents WHERE id = ?;
	`, id)
	var a Agent
	if err := row.Scan(&a.ID, &a.PoolName, &a.RoleType, &a.Status, &a.ProjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

// UpdateAgentStatus moves the agent through the state machine. The guard is
// in the UPDATE (WHERE status = current), so a concurrent transition loses
// cleanly instead of clobbering. Returns ErrIllegalTransition when the move
// is not legal from the agent's current status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, to AgentStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		var current AgentStatus
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("agent %s not found", id)
			}
			return fmt.Errorf("read agent status: %w", err)
		}
		if current == to {
			// Idempotent: re-applying the current status is a no-op.
			return nil
		}
		if !CanTransition(current, to) {
			return fmt.Errorf("agent %s: %s -> %s: %w", id, current, to, ErrIllegalTransition)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, id, current)
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("agent status rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("agent %s status changed concurrently", id)
		}
		return nil
	})
}

// AssignAgentPool sets (or clears, with "") the agent's owning pool.
func (s *Store) AssignAgentPool(ctx context.Context, id, poolName string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET pool_name = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, poolName, id)
		if err != nil {
			return fmt.Errorf("assign agent %s to pool %s: %w", id, poolName, err)
		}
		return nil
	})
}

// ListAgentsInPool returns the members of a pool.
func (s *Store) ListAgentsInPool(ctx context.Context, poolName string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(pool_name, ''), role_type, status, COALESCE(project_id, '')
		FROM agents WHERE pool_name = ? ORDER BY id ASC;
	`, poolName)
	if err != nil {
		return nil, fmt.Errorf("list agents in pool %s: %w", poolName, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.PoolName, &a.RoleType, &a.Status, &a.ProjectID); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}
