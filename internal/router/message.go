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
)

// MessageRouter turns chat messages into `message` tasks. When the project
// already has an active agent the task goes straight to it; otherwise a
// pool slot is reserved and the project is claimed.
type MessageRouter struct {
	store    *persistence.Store
	selector *pool.Selector
	bus      *bus.Bus
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger

	// defaultRole is used when an unowned project needs a pool. The
	// surrounding platform's convention is that a team leader triages
	// unassigned conversations.
	defaultRole string
}

func NewMessageRouter(store *persistence.Store, selector *pool.Selector, b *bus.Bus, notifier Notifier, metrics Metrics, logger *slog.Logger) *MessageRouter {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &MessageRouter{
		store:       store,
		selector:    selector,
		bus:         b,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger.With("component", "message_router"),
		defaultRole: "team_leader",
	}
}

func (r *MessageRouter) Name() string { return "message" }

func (r *MessageRouter) ShouldHandle(event events.DomainEvent) bool {
	return event.EventType == bus.TopicChatMessageCreated && event.PayloadString("content") != ""
}

func (r *MessageRouter) Route(ctx context.Context, event events.DomainEvent) error {
	project, err := r.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", event.ProjectID, err)
	}
	if project == nil {
		return fmt.Errorf("message %s references unknown project %s", event.EventID, event.ProjectID)
	}

	var (
		agentID  string
		poolName string
		reason   string
	)
	if project.ActiveAgentID != "" {
		agentID = project.ActiveAgentID
		reason = fmt.Sprintf("direct message to active agent %s", agentID)
	} else {
		chosen, err := r.selector.SelectAndReserve(ctx, r.defaultRole)
		if err != nil {
			if errors.Is(err, pool.ErrNoPoolAvailable) {
				r.metrics.PoolExhausted(ctx, r.defaultRole)
				r.logger.Info("no pool available for message, dropped for retry",
					"event_id", event.EventID, "role", r.defaultRole)
				return nil
			}
			return fmt.Errorf("pool selection for message %s: %w", event.EventID, err)
		}
		poolName = chosen.Name
		reason = fmt.Sprintf("unowned project, scheduled on pool %s", poolName)
	}

	task := events.Task{
		TaskID:          uuid.NewString(),
		TaskType:        events.TaskTypeMessage,
		AgentID:         agentID,
		SourceEventType: event.EventType,
		SourceEventID:   event.EventID,
		RoutingReason:   reason,
		Priority:        events.PriorityHigh,
		ProjectID:       event.ProjectID,
		UserID:          event.PayloadString("user_id"),
		Context: events.MergeContext(
			map[string]string{"content": event.PayloadString("content")},
			map[string]string{"pool_name": poolName},
		),
		CreatedAt: time.Now().UTC(),
	}

	rec := persistence.TaskRecord{Task: task, BoardColumn: "inbox", Status: persistence.TaskQueued}
	if err := r.store.InsertTask(ctx, rec); err != nil {
		if poolName != "" {
			if rerr := r.selector.Release(ctx, poolName); rerr != nil {
				r.logger.Error("failed to release reserved slot", "pool", poolName, "error", rerr)
			}
		}
		return fmt.Errorf("record message task: %w", err)
	}

	r.bus.Publish(bus.TopicTaskRouted, task)
	r.metrics.TaskRouted(ctx, task.TaskType, poolName)
	r.logger.Info("message task routed",
		"task_id", task.TaskID, "agent_id", agentID, "pool", poolName, "routing_reason", reason)

	r.bus.Publish(bus.TopicTaskDelivered, bus.TaskDeliveredEvent{
		TaskID:        task.TaskID,
		TaskType:      task.TaskType,
		PoolName:      poolName,
		RoutingReason: reason,
	})
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, fmt.Sprintf("message task %s dispatched", task.TaskID)); err != nil {
			r.logger.Warn("delivered notification failed", "task_id", task.TaskID, "error", err)
		}
	}
	return nil
}
