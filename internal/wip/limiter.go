// Package wip enforces kanban column work-in-progress limits. Hard limits
// block a move; soft limits allow it and raise an advisory violation.
package wip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/persistence"
)

// ErrWIPLimitExceeded is returned when a hard limit blocks a move.
var ErrWIPLimitExceeded = errors.New("wip limit exceeded")

// Violation describes a limit breach, blocking or advisory.
type Violation struct {
	ProjectID string                `json:"project_id"`
	Column    string                `json:"column_name"`
	Limit     int                   `json:"wip_limit"`
	Type      persistence.LimitType `json:"limit_type"`
	Occupancy int                   `json:"occupancy"`
	TaskID    string                `json:"task_id,omitempty"`
	Blocked   bool                  `json:"blocked"`
	At        time.Time             `json:"at"`
}

// Decision is the outcome of a move validation. A soft breach yields
// Allowed == true with a non-nil Violation.
type Decision struct {
	Allowed   bool
	Violation *Violation
}

// Limiter validates column moves against configured limits. Occupancy is
// recomputed from the store on every call, never cached.
type Limiter struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewLimiter(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, bus: b, logger: logger.With("component", "wip_limiter")}
}

// ValidateMove checks whether a task may enter (project, column). An
// unconfigured column is unlimited. On a soft breach the move is allowed,
// the violation is logged and broadcast, and the caller proceeds. On a
// hard breach the decision blocks and the error wraps ErrWIPLimitExceeded.
func (l *Limiter) ValidateMove(ctx context.Context, projectID, column, taskID string) (Decision, error) {
	limit, err := l.store.GetWIPLimit(ctx, projectID, column)
	if err != nil {
		return Decision{}, fmt.Errorf("load wip limit: %w", err)
	}
	if limit == nil {
		return Decision{Allowed: true}, nil
	}

	occupancy, err := l.store.CountColumnOccupancy(ctx, projectID, column)
	if err != nil {
		return Decision{}, fmt.Errorf("count occupancy: %w", err)
	}
	if occupancy < limit.Limit {
		return Decision{Allowed: true}, nil
	}

	v := &Violation{
		ProjectID: projectID,
		Column:    column,
		Limit:     limit.Limit,
		Type:      limit.Type,
		Occupancy: occupancy,
		TaskID:    taskID,
		Blocked:   limit.Type == persistence.LimitHard,
		At:        time.Now().UTC(),
	}
	l.announce(v)

	if limit.Type == persistence.LimitHard {
		return Decision{Allowed: false, Violation: v}, fmt.Errorf(
			"%s/%s at %d/%d: %w", projectID, column, occupancy, limit.Limit, ErrWIPLimitExceeded)
	}
	return Decision{Allowed: true, Violation: v}, nil
}

// CommitMove moves a task into a column with the hard-limit check folded
// into the same storage statement, so two simultaneous moves into a column
// with one free slot cannot both land. Soft limits never block here; they
// only announce.
func (l *Limiter) CommitMove(ctx context.Context, projectID, column, taskID string) error {
	limit, err := l.store.GetWIPLimit(ctx, projectID, column)
	if err != nil {
		return fmt.Errorf("load wip limit: %w", err)
	}

	hardCap := -1 // unlimited
	if limit != nil && limit.Type == persistence.LimitHard {
		hardCap = limit.Limit
	}

	moved, err := l.store.MoveTaskColumnChecked(ctx, taskID, projectID, column, hardCap)
	if err != nil {
		return fmt.Errorf("commit move: %w", err)
	}
	if !moved {
		occupancy, cerr := l.store.CountColumnOccupancy(ctx, projectID, column)
		if cerr != nil {
			occupancy = -1
		}
		l.announce(&Violation{
			ProjectID: projectID,
			Column:    column,
			Limit:     hardCap,
			Type:      persistence.LimitHard,
			Occupancy: occupancy,
			TaskID:    taskID,
			Blocked:   true,
			At:        time.Now().UTC(),
		})
		return fmt.Errorf("%s/%s full: %w", projectID, column, ErrWIPLimitExceeded)
	}

	if limit != nil && limit.Type == persistence.LimitSoft {
		occupancy, cerr := l.store.CountColumnOccupancy(ctx, projectID, column)
		if cerr == nil && occupancy > limit.Limit {
			l.announce(&Violation{
				ProjectID: projectID,
				Column:    column,
				Limit:     limit.Limit,
				Type:      persistence.LimitSoft,
				Occupancy: occupancy,
				TaskID:    taskID,
				Blocked:   false,
				At:        time.Now().UTC(),
			})
		}
	}
	return nil
}

// Usage is a per-column occupancy snapshot for boards and sweeps.
type Usage struct {
	Column    string                `json:"column_name"`
	Limit     int                   `json:"wip_limit"`
	Type      persistence.LimitType `json:"limit_type"`
	Occupancy int                   `json:"occupancy"`
	Breached  bool                  `json:"breached"`
}

// UsageSnapshot reports live occupancy against every configured limit for
// a project.
func (l *Limiter) UsageSnapshot(ctx context.Context, projectID string) ([]Usage, error) {
	limits, err := l.store.ListWIPLimits(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list limits: %w", err)
	}
	out := make([]Usage, 0, len(limits))
	for _, lim := range limits {
		occupancy, err := l.store.CountColumnOccupancy(ctx, projectID, lim.Column)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", lim.Column, err)
		}
		out = append(out, Usage{
			Column:    lim.Column,
			Limit:     lim.Limit,
			Type:      lim.Type,
			Occupancy: occupancy,
			Breached:  occupancy >= lim.Limit,
		})
	}
	return out, nil
}

func (l *Limiter) announce(v *Violation) {
	l.logger.Warn("wip limit breached",
		"project_id", v.ProjectID,
		"column", v.Column,
		"limit", v.Limit,
		"limit_type", v.Type,
		"occupancy", v.Occupancy,
		"blocked", v.Blocked)
	if l.bus != nil {
		l.bus.Publish(bus.TopicWIPViolation, *v)
	}
}
