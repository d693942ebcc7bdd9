// Package notify delivers best-effort operator notifications for routing
// events. Delivery failures are logged and dropped; nothing in the routing
// plane depends on a notification landing.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/wip"
)

// Notifier sends one human-readable message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Relay subscribes to the outbound notification topics and forwards
// formatted messages to a Notifier.
type Relay struct {
	bus      *bus.Bus
	notifier Notifier
	logger   *slog.Logger

	subs   []*bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(b *bus.Bus, notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      b,
		notifier: notifier,
		logger:   logger.With("component", "notify_relay"),
	}
}

// Start begins forwarding. Stop with Stop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.subs = []*bus.Subscription{
		r.bus.Subscribe(bus.TopicTaskDelivered),
		r.bus.Subscribe(bus.TopicOwnershipReleased),
		r.bus.Subscribe(bus.TopicWIPViolation),
	}
	go r.run(ctx)
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	// Fan the subscriptions into one loop.
	merged := make(chan bus.Event, 64)
	for _, sub := range r.subs {
		go func(sub *bus.Subscription) {
			for ev := range sub.Ch() {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			msg := format(ev)
			if msg == "" {
				continue
			}
			if err := r.notifier.Notify(ctx, msg); err != nil {
				r.logger.Warn("notification dropped", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func format(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskDeliveredEvent:
		return fmt.Sprintf("task %s (%s) dispatched to pool %s: %s",
			p.TaskID, p.TaskType, p.PoolName, p.RoutingReason)
	case bus.OwnershipReleasedEvent:
		if p.AgentID == "" {
			return ""
		}
		return fmt.Sprintf("project %s released by agent %s", p.ProjectID, p.AgentID)
	case wip.Violation:
		verb := "warning"
		if p.Blocked {
			verb = "blocked"
		}
		return fmt.Sprintf("wip %s: %s/%s at %d (limit %d, %s)",
			verb, p.ProjectID, p.Column, p.Occupancy, p.Limit, p.Type)
	default:
		return ""
	}
}
