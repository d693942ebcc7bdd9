package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/pool"
	"github.com/basket/crewplane/internal/shared"
	"github.com/basket/crewplane/internal/wip"
	"github.com/basket/crewplane/internal/workspace"
)

// WorkspaceProvider is the slice of the workspace manager the story router
// needs.
type WorkspaceProvider interface {
	GetOrCreate(ctx context.Context, projectID, storyID, mainRepo string) (*workspace.Workspace, error)
}

// columnRoute maps a board column to the task a move into it should spawn
// and the role that performs it.
type columnRoute struct {
	taskType string
	roleType string
	priority string
}

var columnRoutes = map[string]columnRoute{
	"analysis":    {events.TaskTypeAnalyzeStory, "business_analyst", events.PriorityMedium},
	"in_progress": {events.TaskTypeImplementStory, "developer", events.PriorityMedium},
	"testing":     {events.TaskTypeWriteTests, "tester", events.PriorityMedium},
	"review":      {events.TaskTypeReviewStory, "team_leader", events.PriorityHigh},
}

// StoryRouter turns story.moved board events into routed tasks: it admits
// the move through the WIP limiter, reserves a pool slot, provisions the
// story workspace, records and publishes the task.
type StoryRouter struct {
	store      *persistence.Store
	selector   *pool.Selector
	limiter    *wip.Limiter
	workspaces WorkspaceProvider
	bus        *bus.Bus
	notifier   Notifier
	metrics    Metrics
	logger     *slog.Logger
}

func NewStoryRouter(
	store *persistence.Store,
	selector *pool.Selector,
	limiter *wip.Limiter,
	workspaces WorkspaceProvider,
	b *bus.Bus,
	notifier Notifier,
	metrics Metrics,
	logger *slog.Logger,
) *StoryRouter {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &StoryRouter{
		store:      store,
		selector:   selector,
		limiter:    limiter,
		workspaces: workspaces,
		bus:        b,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger.With("component", "story_router"),
	}
}

func (r *StoryRouter) Name() string { return "story" }

func (r *StoryRouter) ShouldHandle(event events.DomainEvent) bool {
	if event.EventType != bus.TopicStoryMoved {
		return false
	}
	_, known := columnRoutes[event.PayloadString("target_column")]
	return known
}

func (r *StoryRouter) Route(ctx context.Context, event events.DomainEvent) error {
	storyID := event.PayloadString("story_id")
	column := event.PayloadString("target_column")
	if storyID == "" {
		return fmt.Errorf("story.moved %s: missing story_id", event.EventID)
	}
	route := columnRoutes[column]
	ctx = shared.WithStoryID(ctx, storyID)

	// Admission first: a hard WIP breach leaves the story where it is, to
	// be retried on the next relevant event.
	decision, err := r.limiter.ValidateMove(ctx, event.ProjectID, column, "")
	if err != nil {
		if errors.Is(err, wip.ErrWIPLimitExceeded) {
			r.metrics.WIPRejected(ctx, event.ProjectID, column)
			r.logger.Info("story move blocked by wip limit",
				"story_id", storyID, "column", column, "occupancy", decision.Violation.Occupancy)
			return nil
		}
		return fmt.Errorf("wip validation for story %s: %w", storyID, err)
	}

	chosen, err := r.selector.SelectAndReserve(ctx, route.roleType)
	if err != nil {
		if errors.Is(err, pool.ErrNoPoolAvailable) {
			// Capacity exhaustion is expected; the story stays put.
			r.metrics.PoolExhausted(ctx, route.roleType)
			r.logger.Info("no pool available, story not scheduled",
				"story_id", storyID, "role", route.roleType)
			return nil
		}
		return fmt.Errorf("pool selection for story %s: %w", storyID, err)
	}

	release := func() {
		if rerr := r.selector.Release(ctx, chosen.Name); rerr != nil {
			r.logger.Error("failed to release reserved slot", "pool", chosen.Name, "error", rerr)
		}
	}

	project, err := r.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		release()
		return fmt.Errorf("load project %s: %w", event.ProjectID, err)
	}
	if project == nil {
		release()
		return fmt.Errorf("story %s references unknown project %s", storyID, event.ProjectID)
	}

	ws, err := r.workspaces.GetOrCreate(ctx, event.ProjectID, storyID, project.MainWorkspace)
	if err != nil {
		// Primary workspace failure: the task cannot proceed.
		release()
		return fmt.Errorf("provision workspace for story %s: %w", storyID, err)
	}
	r.metrics.WorkspaceProvisioned(ctx, ws.Degraded)

	reason := fmt.Sprintf("story moved to %s, scheduled as %s on pool %s", column, route.taskType, chosen.Name)
	task := events.Task{
		TaskID:          uuid.NewString(),
		TaskType:        route.taskType,
		SourceEventType: event.EventType,
		SourceEventID:   event.EventID,
		RoutingReason:   reason,
		Priority:        route.priority,
		ProjectID:       event.ProjectID,
		UserID:          event.PayloadString("user_id"),
		Context: events.MergeContext(
			map[string]string{"story_id": storyID, "column": column},
			map[string]string{
				"pool_name":      chosen.Name,
				"workspace_path": ws.Path,
				"branch_name":    ws.Branch,
			},
		),
		CreatedAt: time.Now().UTC(),
	}

	rec := persistence.TaskRecord{Task: task, StoryID: storyID, BoardColumn: column, Status: persistence.TaskQueued}
	if err := r.store.InsertTask(ctx, rec); err != nil {
		release()
		return fmt.Errorf("record task for story %s: %w", storyID, err)
	}

	r.bus.Publish(bus.TopicTaskRouted, task)
	r.metrics.TaskRouted(ctx, task.TaskType, chosen.Name)
	r.logger.Info("story task routed",
		"task_id", task.TaskID,
		"task_type", task.TaskType,
		"story_id", storyID,
		"pool", chosen.Name,
		"workspace", ws.Path,
		"degraded", ws.Degraded,
		"routing_reason", reason)

	r.deliveredNotice(ctx, task, chosen.Name)
	return nil
}

// deliveredNotice emits the secondary "task delivered" notification. Losing
// it is acceptable.
func (r *StoryRouter) deliveredNotice(ctx context.Context, task events.Task, poolName string) {
	r.bus.Publish(bus.TopicTaskDelivered, bus.TaskDeliveredEvent{
		TaskID:        task.TaskID,
		TaskType:      task.TaskType,
		PoolName:      poolName,
		RoutingReason: task.RoutingReason,
	})
	if r.notifier == nil {
		return
	}
	msg := fmt.Sprintf("task %s (%s) dispatched to pool %s", task.TaskID, task.TaskType, poolName)
	if err := r.notifier.Notify(ctx, msg); err != nil {
		r.logger.Warn("delivered notification failed", "task_id", task.TaskID, "error", err)
	}
}
