package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/persistence"
	"github.com/basket/crewplane/internal/signal"
	"github.com/basket/crewplane/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWorkspaces struct {
	active    []*workspace.Workspace
	discarded []string
}

func (f *fakeWorkspaces) Active() []*workspace.Workspace { return f.active }

func (f *fakeWorkspaces) Discard(_ context.Context, storyID, _ string) error {
	f.discarded = append(f.discarded, storyID)
	return nil
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, store *persistence.Store, id, storyID string, status persistence.TaskStatus) {
	t.Helper()
	rec := persistence.TaskRecord{
		Task: events.Task{
			TaskID:          id,
			TaskType:        events.TaskTypeImplementStory,
			SourceEventType: "story.moved",
			SourceEventID:   "evt-" + id,
			RoutingReason:   "test",
			Priority:        events.PriorityMedium,
			ProjectID:       "proj-1",
		},
		StoryID:     storyID,
		BoardColumn: "in_progress",
		Status:      status,
	}
	if err := store.InsertTask(context.Background(), rec); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestNewRejectsBadCron(t *testing.T) {
	if _, err := New(Config{CronExpr: "not a cron"}); err == nil {
		t.Fatal("invalid cron expression must be rejected at construction")
	}
}

func TestSweepDiscardsStaleFinishedWorkspaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.EnsureProject(ctx, "proj-1", "alpha", "/srv/repos/alpha"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}

	seedTask(t, store, "t-done", "story-done", persistence.TaskCompleted)
	seedTask(t, store, "t-live", "story-live", persistence.TaskRunning)

	old := time.Now().Add(-2 * time.Hour)
	ws := &fakeWorkspaces{active: []*workspace.Workspace{
		{StoryID: "story-done", ProjectID: "proj-1", Path: "/ws/done", CreatedAt: old},
		{StoryID: "story-live", ProjectID: "proj-1", Path: "/ws/live", CreatedAt: old},
		{StoryID: "story-fresh", ProjectID: "proj-1", Path: "/ws/fresh", CreatedAt: time.Now()},
	}}

	j, err := New(Config{
		Store:      store,
		Workspaces: ws,
		Signals:    signal.NewStore(),
		Logger:     testLogger(),
		StaleAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Sweep(ctx)

	if len(ws.discarded) != 1 || ws.discarded[0] != "story-done" {
		t.Fatalf("discarded = %v, want only story-done", ws.discarded)
	}
}

func TestSweepClearsOrphanedSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedTask(t, store, "t-done", "story-done", persistence.TaskCompleted)
	seedTask(t, store, "t-live", "story-live", persistence.TaskRunning)

	signals := signal.NewStore()
	signals.RequestCancel("story-done")
	signals.RequestPause("story-live")

	j, err := New(Config{
		Store:      store,
		Workspaces: &fakeWorkspaces{},
		Signals:    signals,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Sweep(ctx)

	if signals.Has("story-done") {
		t.Fatal("signal for finished story must be cleared")
	}
	if !signals.Has("story-live") {
		t.Fatal("signal for live story must survive the sweep")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 26, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression must error")
	}
}
