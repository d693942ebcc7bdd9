package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/pool"
)

// CompletionRouter releases project ownership when an agent reports its
// task finished. Completion events can be delivered twice; every step here
// is idempotent.
type CompletionRouter struct {
	store    *persistence.Store
	selector *pool.Selector
	bus      *bus.Bus
	notifier Notifier
	logger   *slog.Logger
}

func NewCompletionRouter(store *persistence.Store, selector *pool.Selector, b *bus.Bus, notifier Notifier, logger *slog.Logger) *CompletionRouter {
	return &CompletionRouter{
		store:    store,
		selector: selector,
		bus:      b,
		notifier: notifier,
		logger:   logger.With("component", "completion_router"),
	}
}

func (r *CompletionRouter) Name() string { return "completion" }

func (r *CompletionRouter) ShouldHandle(event events.DomainEvent) bool {
	return event.EventType == bus.TopicAgentResponse && event.PayloadBool("task_completed")
}

func (r *CompletionRouter) Route(ctx context.Context, event events.DomainEvent) error {
	previousAgent, err := r.store.ClearActiveAgent(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("release ownership of %s: %w", event.ProjectID, err)
	}

	if previousAgent == "" {
		// Second delivery of the same completion; ownership already clear.
		r.logger.Debug("ownership already clear", "project_id", event.ProjectID, "event_id", event.EventID)
	} else {
		// Return the agent's slot so the pool can take new work. Release
		// floors at zero, so a duplicate event cannot underflow.
		owning, err := r.selector.FindPoolForAgent(ctx, previousAgent)
		if err != nil {
			return fmt.Errorf("find pool for agent %s: %w", previousAgent, err)
		}
		if owning != nil {
			if err := r.selector.Release(ctx, owning.Name); err != nil {
				return fmt.Errorf("release slot in %s: %w", owning.Name, err)
			}
		}
		if taskID := event.PayloadString("task_id"); taskID != "" {
			if err := r.store.UpdateTaskStatus(ctx, taskID, persistence.TaskCompleted); err != nil {
				r.logger.Warn("could not mark task completed", "task_id", taskID, "error", err)
			}
		}
		r.logger.Info("project ownership released",
			"project_id", event.ProjectID, "agent_id", previousAgent)
	}

	r.bus.Publish(bus.TopicOwnershipReleased, bus.OwnershipReleasedEvent{
		ProjectID: event.ProjectID,
		AgentID:   previousAgent,
	})
	if r.notifier != nil && previousAgent != "" {
		msg := fmt.Sprintf("project %s released by agent %s", event.ProjectID, previousAgent)
		if err := r.notifier.Notify(ctx, msg); err != nil {
			r.logger.Warn("ownership notification failed", "project_id", event.ProjectID, "error", err)
		}
	}
	return nil
}
