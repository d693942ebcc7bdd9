package tui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/wip"
)

// FeedItem is one line in the board's activity feed.
type FeedItem struct {
	Icon    string
	Message string
	At      time.Time
	Warning bool
}

// Feed tails the bus and keeps a bounded window of recent routing activity
// for the board to render.
type Feed struct {
	mu       sync.Mutex
	items    []FeedItem
	maxItems int

	eventBus *bus.Bus
	subs     []*bus.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewFeed(b *bus.Bus) *Feed {
	return &Feed{maxItems: 12, eventBus: b}
}

// Start subscribes to the routing topics and begins collecting.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	f.subs = []*bus.Subscription{
		f.eventBus.Subscribe(bus.TopicTaskRouted),
		f.eventBus.Subscribe(bus.TopicWIPViolation),
		f.eventBus.Subscribe(bus.TopicOwnershipReleased),
	}
	go f.run(ctx)
}

func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	for _, sub := range f.subs {
		f.eventBus.Unsubscribe(sub)
	}
	if f.done != nil {
		<-f.done
	}
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	merged := make(chan bus.Event, 64)
	for _, sub := range f.subs {
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
			if item, ok := toItem(ev); ok {
				f.add(item)
			}
		}
	}
}

func toItem(ev bus.Event) (FeedItem, bool) {
	now := time.Now()
	switch p := ev.Payload.(type) {
	case events.Task:
		return FeedItem{
			Icon:    "→",
			Message: fmt.Sprintf("%s routed to %s", p.TaskType, p.Context["pool_name"]),
			At:      now,
		}, true
	case bus.OwnershipReleasedEvent:
		if p.AgentID == "" {
			return FeedItem{}, false
		}
		return FeedItem{
			Icon:    "✓",
			Message: fmt.Sprintf("agent %s released on %s", p.AgentID, p.ProjectID),
			At:      now,
		}, true
	case wip.Violation:
		verb := "over soft limit"
		if p.Blocked {
			verb = "blocked by hard limit"
		}
		return FeedItem{
			Icon:    "!",
			Message: fmt.Sprintf("%s/%s %s (%d/%d)", p.ProjectID, p.Column, verb, p.Occupancy, p.Limit),
			At:      now,
			Warning: true,
		}, true
	default:
		return FeedItem{}, false
	}
}

func (f *Feed) add(item FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// Items returns a copy of the current feed window, oldest first.
func (f *Feed) Items() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedItem, len(f.items))
	copy(out, f.items)
	return out
}
