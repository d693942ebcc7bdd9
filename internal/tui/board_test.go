package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/wip"
)

func TestBoardViewRendersPools(t *testing.T) {
	m := model{
		feed: NewFeed(bus.New()),
		snap: Snapshot{
			DBOK: true,
			Pools: []persistence.Pool{
				{Name: "dev-pool", RoleType: "developer", Priority: 1, MaxAgents: 4, CurrentAgentCount: 2, IsActive: true},
				{Name: "test-pool", RoleType: "tester", Priority: 1, MaxAgents: 2, CurrentAgentCount: 2, IsActive: true},
				{Name: "old-pool", RoleType: "developer", Priority: 5, MaxAgents: 2, IsActive: false},
			},
			Uptime: 90 * time.Second,
		},
	}

	view := m.View()
	if !strings.Contains(view, "dev-pool") {
		t.Fatalf("view missing pool row:\n%s", view)
	}
	if !strings.Contains(view, "FULL") {
		t.Fatalf("full pool not flagged:\n%s", view)
	}
	if !strings.Contains(view, "(inactive)") {
		t.Fatalf("inactive pool not flagged:\n%s", view)
	}
}

func TestBoardViewRendersRecentTasks(t *testing.T) {
	m := model{
		feed: NewFeed(bus.New()),
		snap: Snapshot{
			DBOK: true,
			Recent: []persistence.TaskRecord{
				{
					Task:        events.Task{TaskID: "task-1234567890", TaskType: events.TaskTypeWriteTests},
					BoardColumn: "testing",
					Status:      persistence.TaskDispatched,
				},
			},
		},
	}

	view := m.View()
	if !strings.Contains(view, "write_tests") {
		t.Fatalf("view missing task type:\n%s", view)
	}
	if strings.Contains(view, "task-1234567890") {
		t.Fatalf("task id should be shortened:\n%s", view)
	}
}

func TestBoardViewEmptySnapshot(t *testing.T) {
	m := model{feed: NewFeed(bus.New())}
	view := m.View()
	if !strings.Contains(view, "(no pools registered)") {
		t.Fatalf("empty pools placeholder missing:\n%s", view)
	}
	if !strings.Contains(view, "(none)") {
		t.Fatalf("empty tasks placeholder missing:\n%s", view)
	}
}

func TestFeedCollectsBusEvents(t *testing.T) {
	b := bus.New()
	feed := NewFeed(b)
	feed.Start(context.Background())
	defer feed.Stop()

	b.Publish(bus.TopicTaskRouted, events.Task{
		TaskID:   "task-1",
		TaskType: events.TaskTypeImplementStory,
		Context:  map[string]string{"pool_name": "dev-pool"},
	})
	b.Publish(bus.TopicWIPViolation, wip.Violation{
		ProjectID: "proj-1", Column: "review", Limit: 2, Occupancy: 3, Blocked: true,
	})
	// Releases with no agent carry no information for the feed.
	b.Publish(bus.TopicOwnershipReleased, bus.OwnershipReleasedEvent{ProjectID: "proj-1"})

	deadline := time.After(2 * time.Second)
	for {
		if len(feed.Items()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("feed items = %d, want 2", len(feed.Items()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	items := feed.Items()
	var sawRoute, sawWarn bool
	for _, it := range items {
		if strings.Contains(it.Message, "implement_story routed to dev-pool") {
			sawRoute = true
		}
		if it.Warning && strings.Contains(it.Message, "blocked by hard limit") {
			sawWarn = true
		}
	}
	if !sawRoute || !sawWarn {
		t.Fatalf("feed items = %+v", items)
	}
}

func TestFeedBoundsWindow(t *testing.T) {
	feed := NewFeed(bus.New())
	for i := 0; i < 30; i++ {
		feed.add(FeedItem{Message: "x"})
	}
	if got := len(feed.Items()); got != feed.maxItems {
		t.Fatalf("feed window = %d, want %d", got, feed.maxItems)
	}
}
