package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want -", got)
	}
}

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "t-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithStoryID(ctx, "story-1")
	ctx = WithProjectID(ctx, "proj-1")

	if got := TraceID(ctx); got != "t-1" {
		t.Errorf("TraceID = %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Errorf("TaskID = %q", got)
	}
	if got := StoryID(ctx); got != "story-1" {
		t.Errorf("StoryID = %q", got)
	}
	if got := ProjectID(ctx); got != "proj-1" {
		t.Errorf("ProjectID = %q", got)
	}
}

func TestShortID_Deterministic(t *testing.T) {
	a := ShortID("story-42")
	b := ShortID("story-42")
	if a != b {
		t.Fatalf("ShortID not stable: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Fatalf("ShortID length = %d, want 8", len(a))
	}
	if ShortID("story-42") == ShortID("story-43") {
		t.Fatal("distinct IDs must not collide")
	}
}

func TestShortID_TrimsWhitespace(t *testing.T) {
	if ShortID(" story-1 ") != ShortID("story-1") {
		t.Fatal("ShortID should ignore surrounding whitespace")
	}
}
