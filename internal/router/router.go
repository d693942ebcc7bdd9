// Package router decides which inbound domain events become routed tasks
// and which become state updates. A Dispatcher drains bus subscriptions
// and offers each event to an ordered list of routers; every router whose
// predicate matches runs, isolated from the others.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/shared"
)

// Router owns a slice of the event space. ShouldHandle must be a pure
// predicate over event fields; Route performs the side effects.
type Router interface {
	Name() string
	ShouldHandle(event events.DomainEvent) bool
	Route(ctx context.Context, event events.DomainEvent) error
}

// Notifier delivers best-effort human notifications. Failures never fail
// a route.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Metrics receives routing-plane measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	TaskRouted(ctx context.Context, taskType, poolName string)
	WIPRejected(ctx context.Context, projectID, column string)
	PoolExhausted(ctx context.Context, roleType string)
	WorkspaceProvisioned(ctx context.Context, degraded bool)
}

type noopMetrics struct{}

func (noopMetrics) TaskRouted(context.Context, string, string)  {}
func (noopMetrics) WIPRejected(context.Context, string, string) {}
func (noopMetrics) PoolExhausted(context.Context, string)       {}
func (noopMetrics) WorkspaceProvisioned(context.Context, bool)  {}

// NopMetrics is the default Metrics sink.
var NopMetrics Metrics = noopMetrics{}

// Dispatcher fans inbound events out to registered routers. Registration
// order is evaluation order; all matching routers run for each event.
type Dispatcher struct {
	bus       *bus.Bus
	validator *events.Validator
	logger    *slog.Logger
	routers   []Router

	wg     sync.WaitGroup
	cancel context.CancelFunc
	subs   []*bus.Subscription
}

func NewDispatcher(b *bus.Bus, validator *events.Validator, logger *slog.Logger, routers ...Router) *Dispatcher {
	return &Dispatcher{
		bus:       b,
		validator: validator,
		logger:    logger.With("component", "dispatcher"),
		routers:   routers,
	}
}

// Register appends a router. Must be called before Start.
func (d *Dispatcher) Register(r Router) {
	d.routers = append(d.routers, r)
}

// Start subscribes to the inbound topics and begins consuming. Each topic
// is drained by its own goroutine, so events on one topic stay ordered
// while distinct topics proceed in parallel.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	topics := []string{
		bus.TopicStoryMoved,
		bus.TopicChatMessageCreated,
		bus.TopicAgentResponse,
		bus.TopicAgentStatusChanged,
	}
	for _, topic := range topics {
		sub := d.bus.Subscribe(topic)
		d.subs = append(d.subs, sub)
		d.wg.Add(1)
		go d.consume(ctx, sub)
	}
	d.logger.Info("dispatcher started", "routers", len(d.routers), "topics", len(topics))
}

// Stop unsubscribes and waits for in-flight dispatches to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, sub := range d.subs {
		d.bus.Unsubscribe(sub)
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) consume(ctx context.Context, sub *bus.Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			event, err := d.decode(ev)
			if err != nil {
				d.logger.Warn("dropping undecodable event", "topic", ev.Topic, "error", err)
				continue
			}
			d.Dispatch(ctx, event)
		}
	}
}

// decode accepts already-typed domain events or raw JSON that still needs
// schema validation.
func (d *Dispatcher) decode(ev bus.Event) (events.DomainEvent, error) {
	switch p := ev.Payload.(type) {
	case events.DomainEvent:
		return p, nil
	case *events.DomainEvent:
		return *p, nil
	case []byte:
		if d.validator == nil {
			return events.DomainEvent{}, fmt.Errorf("raw payload on %s with no validator", ev.Topic)
		}
		return d.validator.Parse(p)
	default:
		return events.DomainEvent{}, fmt.Errorf("unsupported payload type %T on %s", ev.Payload, ev.Topic)
	}
}

// Dispatch offers one event to every router. A router panicking in
// ShouldHandle counts as non-match; a router failing or panicking in Route
// is logged and never stops the remaining routers.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.DomainEvent) {
	ctx = shared.WithTraceID(ctx, event.EventID)
	if event.ProjectID != "" {
		ctx = shared.WithProjectID(ctx, event.ProjectID)
	}
	for _, r := range d.routers {
		if !d.matches(r, event) {
			continue
		}
		d.route(ctx, r, event)
	}
}

func (d *Dispatcher) matches(r Router, event events.DomainEvent) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("router predicate panicked, treating as non-match",
				"router", r.Name(), "event_type", event.EventType, "panic", rec)
			matched = false
		}
	}()
	return r.ShouldHandle(event)
}

func (d *Dispatcher) route(ctx context.Context, r Router, event events.DomainEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("router panicked mid-route",
				"router", r.Name(), "event_type", event.EventType, "event_id", event.EventID, "panic", rec)
		}
	}()
	if err := r.Route(ctx, event); err != nil {
		d.logger.Error("route failed",
			"router", r.Name(), "event_type", event.EventType, "event_id", event.EventID, "error", err)
		return
	}
	d.logger.Debug("event routed", "router", r.Name(), "event_type", event.EventType, "event_id", event.EventID)
}
