package signal

import (
	"errors"
	"sync"
	"testing"
)

func TestStore_AtMostOnceDelivery(t *testing.T) {
	s := NewStore()
	s.RequestPause("S1")

	k, ok := s.Consume("S1")
	if !ok || k != KindPause {
		t.Fatalf("first Consume = (%v, %v), want (pause, true)", k, ok)
	}

	if _, ok := s.Consume("S1"); ok {
		t.Fatal("second Consume should return nothing")
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	s := NewStore()
	s.RequestPause("S1")
	s.RequestCancel("S1")

	k, ok := s.Consume("S1")
	if !ok || k != KindCancel {
		t.Fatalf("Consume = (%v, %v), want (cancel, true)", k, ok)
	}
}

func TestStore_PeekDoesNotConsume(t *testing.T) {
	s := NewStore()
	s.RequestCancel("S1")

	if k, ok := s.Peek("S1"); !ok || k != KindCancel {
		t.Fatalf("Peek = (%v, %v)", k, ok)
	}
	if !s.Has("S1") {
		t.Fatal("Has should still report the signal")
	}
	if _, ok := s.Consume("S1"); !ok {
		t.Fatal("signal should still be consumable after Peek")
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	s.RequestPause("S1")
	s.Clear("S1")
	if s.Has("S1") {
		t.Fatal("Clear should remove the pending signal")
	}
	// Clearing an empty slot is a no-op.
	s.Clear("S1")
}

func TestStore_ConcurrentConsumeDeliversOnce(t *testing.T) {
	s := NewStore()
	s.RequestCancel("S1")

	const consumers = 16
	var wg sync.WaitGroup
	delivered := make(chan Kind, consumers)
	wg.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			defer wg.Done()
			if k, ok := s.Consume("S1"); ok {
				delivered <- k
			}
		}()
	}
	wg.Wait()
	close(delivered)

	count := 0
	for range delivered {
		count++
	}
	if count != 1 {
		t.Fatalf("signal delivered %d times, want exactly 1", count)
	}
}

func TestCheckpointOrAbort(t *testing.T) {
	s := NewStore()

	if err := s.CheckpointOrAbort("S1"); err != nil {
		t.Fatalf("no signal pending, got %v", err)
	}

	s.RequestCancel("S1")
	if err := s.CheckpointOrAbort("S1"); !errors.Is(err, ErrAborted) {
		t.Fatalf("want ErrAborted, got %v", err)
	}
	// Signal was consumed by the checkpoint.
	if err := s.CheckpointOrAbort("S1"); err != nil {
		t.Fatalf("second checkpoint should be clean, got %v", err)
	}

	s.RequestPause("S2")
	if err := s.CheckpointOrAbort("S2"); !errors.Is(err, ErrPaused) {
		t.Fatalf("want ErrPaused, got %v", err)
	}
}

func TestStore_Len(t *testing.T) {
	s := NewStore()
	s.RequestPause("A")
	s.RequestCancel("B")
	s.RequestCancel("A") // overwrite, not a new entry
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}
