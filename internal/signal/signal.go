// Package signal carries pause/cancel requests from whoever is asking to
// whoever is executing, without the two sides sharing an execution context.
//
// The store is deliberately ephemeral: signals live in memory only and are
// lost on process restart. That is an accepted tradeoff — the durable "is
// this story paused" state lives in the task's own persisted status field,
// not here. Do not add persistence.
package signal

import (
	"errors"
	"fmt"
	"sync"
)

// Kind is the signal variety. The latest request for a task wins.
type Kind string

const (
	KindPause  Kind = "pause"
	KindCancel Kind = "cancel"
)

// ErrAborted is returned by CheckpointOrAbort when a cancel signal was
// consumed for the task.
var ErrAborted = errors.New("task aborted by cancel signal")

// ErrPaused is returned by CheckpointOrAbort when a pause signal was
// consumed for the task.
var ErrPaused = errors.New("task paused by request")

// Store is a concurrency-safe, at-most-once delivery map of task ID to
// pending signal.
type Store struct {
	mu      sync.Mutex
	pending map[string]Kind
}

// NewStore creates an empty signal store.
func NewStore() *Store {
	return &Store{pending: make(map[string]Kind)}
}

// RequestPause records a pause signal for the task, overwriting any pending
// signal. Last write wins.
func (s *Store) RequestPause(taskID string) {
	s.set(taskID, KindPause)
}

// RequestCancel records a cancel signal for the task, overwriting any pending
// signal. Last write wins.
func (s *Store) RequestCancel(taskID string) {
	s.set(taskID, KindCancel)
}

func (s *Store) set(taskID string, k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[taskID] = k
}

// Consume atomically reads and removes the pending signal for the task.
// The second return is false when no signal was pending. Each signal is
// delivered at most once, even under concurrent consumers.
func (s *Store) Consume(taskID string) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.pending[taskID]
	if ok {
		delete(s.pending, taskID)
	}
	return k, ok
}

// Peek returns the pending signal without consuming it. Diagnostics only.
func (s *Store) Peek(taskID string) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.pending[taskID]
	return k, ok
}

// Has reports whether a signal is pending for the task.
func (s *Store) Has(taskID string) bool {
	_, ok := s.Peek(taskID)
	return ok
}

// Clear removes any pending signal for the task. Used on resume/restart.
func (s *Store) Clear(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, taskID)
}

// Pending returns the task IDs with a signal waiting. Diagnostics and
// sweep use; the snapshot is already stale by the time it returns.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of pending signals.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CheckpointOrAbort is the cooperative cancellation checkpoint. Executors
// call it between logical steps; it consumes any pending signal and returns
// ErrAborted or ErrPaused accordingly, nil when no signal is pending.
// Cancellation is never preemptive: in-flight work stops only at checkpoints.
func (s *Store) CheckpointOrAbort(taskID string) error {
	k, ok := s.Consume(taskID)
	if !ok {
		return nil
	}
	switch k {
	case KindCancel:
		return ErrAborted
	case KindPause:
		return ErrPaused
	default:
		return fmt.Errorf("unknown signal %q for task %s", k, taskID)
	}
}
