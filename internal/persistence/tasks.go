package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/crewplane/internal/events"
)

// TaskStatus is the lifecycle of a routed task after publish.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskDispatched TaskStatus = "dispatched"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskRecord is the persisted form of a routed task plus its board position.
type TaskRecord struct {
	Task        events.Task
	StoryID     string
	BoardColumn string
	Status      TaskStatus
	UpdatedAt   time.Time
}

// InsertTask records a freshly routed task. The record is immutable after
// insert except for status and board column.
func (s *Store) InsertTask(ctx context.Context, rec TaskRecord) error {
	if rec.Task.TaskID == "" {
		return fmt.Errorf("task_id must be non-empty")
	}
	if rec.Status == "" {
		rec.Status = TaskQueued
	}
	ctxJSON, err := json.Marshal(rec.Task.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, task_type, agent_id, source_event_type, source_event_id,
				routing_reason, priority, project_id, user_id, story_id,
				board_column, status, context
			)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
		`,
			rec.Task.TaskID, rec.Task.TaskType, rec.Task.AgentID,
			rec.Task.SourceEventType, rec.Task.SourceEventID,
			rec.Task.RoutingReason, rec.Task.Priority, rec.Task.ProjectID,
			rec.Task.UserID, rec.StoryID, rec.BoardColumn, rec.Status, string(ctxJSON))
		if err != nil {
			return fmt.Errorf("insert task %s: %w", rec.Task.TaskID, err)
		}
		return nil
	})
}

// GetTask returns a task record by ID, or nil when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_type, COALESCE(agent_id, ''), source_event_type, source_event_id,
			routing_reason, priority, project_id, COALESCE(user_id, ''), COALESCE(story_id, ''),
			board_column, status, context, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID)

	var rec TaskRecord
	var ctxJSON string
	if err := row.Scan(
		&rec.Task.TaskID, &rec.Task.TaskType, &rec.Task.AgentID,
		&rec.Task.SourceEventType, &rec.Task.SourceEventID,
		&rec.Task.RoutingReason, &rec.Task.Priority, &rec.Task.ProjectID,
		&rec.Task.UserID, &rec.StoryID, &rec.BoardColumn, &rec.Status,
		&ctxJSON, &rec.Task.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if ctxJSON != "" && ctxJSON != "{}" {
		if err := json.Unmarshal([]byte(ctxJSON), &rec.Task.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	return &rec, nil
}

// UpdateTaskStatus sets the task's status. Terminal tasks stop occupying
// their board column, which is how WIP occupancy shrinks.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, taskID)
		if err != nil {
			return fmt.Errorf("update task %s status: %w", taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task status rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("task %s not found", taskID)
		}
		return nil
	})
}

// MoveTaskColumnChecked moves a task into a column iff the occupancy check
// inside the same statement passes. limit < 0 means unlimited. This closes
// the check-then-commit window between two simultaneous moves into a
// near-full hard-limited column: at most one passes.
func (s *Store) MoveTaskColumnChecked(ctx context.Context, taskID, projectID, column string, limit int) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET board_column = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
			  AND (?1 = board_column OR ? < 0 OR (
				SELECT COUNT(1) FROM tasks
				WHERE project_id = ? AND board_column = ?1
				  AND status NOT IN ('completed', 'failed', 'cancelled')
			  ) < ?);
		`, column, taskID, limit, projectID, limit)
		if err != nil {
			return fmt.Errorf("move task %s to %s: %w", taskID, column, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("move rows affected: %w", err)
		}
		moved = affected == 1
		return nil
	})
	return moved, err
}

// StoryHasLiveTasks reports whether any non-terminal task still references
// the story. Janitor sweeps use this to find abandoned workspaces and
// orphaned signals.
func (s *Store) StoryHasLiveTasks(ctx context.Context, storyID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE story_id = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled');
	`, storyID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count live tasks for story %s: %w", storyID, err)
	}
	return count > 0, nil
}

// ListRecentTasks returns the most recently routed tasks, newest first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, COALESCE(agent_id, ''), source_event_type, source_event_id,
			routing_reason, priority, project_id, COALESCE(user_id, ''), COALESCE(story_id, ''),
			board_column, status, context, created_at, updated_at
		FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var ctxJSON string
		if err := rows.Scan(
			&rec.Task.TaskID, &rec.Task.TaskType, &rec.Task.AgentID,
			&rec.Task.SourceEventType, &rec.Task.SourceEventID,
			&rec.Task.RoutingReason, &rec.Task.Priority, &rec.Task.ProjectID,
			&rec.Task.UserID, &rec.StoryID, &rec.BoardColumn, &rec.Status,
			&ctxJSON, &rec.Task.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Task.Context); err != nil {
				return nil, fmt.Errorf("decode task context: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
