package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/pool"
)

// StatusRouter applies agent.status.changed events to the agent state
// machine and returns pool capacity when an agent reaches a terminal
// state.
type StatusRouter struct {
	store    *persistence.Store
	selector *pool.Selector
	logger   *slog.Logger
}

func NewStatusRouter(store *persistence.Store, selector *pool.Selector, logger *slog.Logger) *StatusRouter {
	return &StatusRouter{
		store:    store,
		selector: selector,
		logger:   logger.With("component", "status_router"),
	}
}

func (r *StatusRouter) Name() string { return "status" }

func (r *StatusRouter) ShouldHandle(event events.DomainEvent) bool {
	return event.EventType == bus.TopicAgentStatusChanged &&
		event.PayloadString("agent_id") != "" &&
		event.PayloadString("status") != ""
}

func (r *StatusRouter) Route(ctx context.Context, event events.DomainEvent) error {
	agentID := event.PayloadString("agent_id")
	to := persistence.AgentStatus(event.PayloadString("status"))

	// Capture the owning pool before the transition: a terminated agent may
	// be unassigned afterwards.
	owning, err := r.selector.FindPoolForAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("find pool for agent %s: %w", agentID, err)
	}

	if err := r.store.UpdateAgentStatus(ctx, agentID, to); err != nil {
		if errors.Is(err, persistence.ErrIllegalTransition) {
			// Stale or out-of-order status event; drop it.
			r.logger.Warn("ignoring illegal status transition",
				"agent_id", agentID, "to", to, "event_id", event.EventID)
			return nil
		}
		return fmt.Errorf("update agent %s status: %w", agentID, err)
	}

	if to.IsTerminal() && owning != nil {
		if err := r.selector.Release(ctx, owning.Name); err != nil {
			return fmt.Errorf("release slot in %s: %w", owning.Name, err)
		}
		r.logger.Info("terminal agent released pool slot",
			"agent_id", agentID, "pool", owning.Name, "status", to)
	}
	return nil
}
