// Package audit keeps a durable trail of routing decisions: every routed
// task, ownership release, and WIP violation lands in a JSONL file and the
// audit_log table. The recorder is injected and lifecycled explicitly, not
// a process-global.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/crewplane/internal/bus"
	"github.com/basket/crewplane/internal/events"
	"github.com/basket/crewplane/internal/wip"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Recorder tails the bus and persists audit entries.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File

	eventBus *bus.Bus
	subs     []*bus.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRecorder opens <homeDir>/logs/audit.jsonl for appending. db may be
// nil to skip table writes (tests).
func NewRecorder(homeDir string, db *sql.DB, b *bus.Bus, logger *slog.Logger) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Recorder{
		db:       db,
		logger:   logger.With("component", "audit"),
		file:     f,
		eventBus: b,
	}, nil
}

// Start subscribes to the decision topics and begins recording.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.subs = []*bus.Subscription{
		r.eventBus.Subscribe(bus.TopicTaskRouted),
		r.eventBus.Subscribe(bus.TopicOwnershipReleased),
		r.eventBus.Subscribe(bus.TopicWIPViolation),
	}
	go r.run(ctx)
}

// Stop halts recording and closes the JSONL file.
func (r *Recorder) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		r.eventBus.Unsubscribe(sub)
	}
	if r.done != nil {
		<-r.done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
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
			if entry, ok := toEntry(ev); ok {
				r.Record(ctx, entry)
			}
		}
	}
}

func toEntry(ev bus.Event) (Entry, bool) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch p := ev.Payload.(type) {
	case events.Task:
		return Entry{
			Timestamp: now,
			Action:    "task.routed",
			Decision:  p.TaskType,
			Subject:   p.TaskID,
			Reason:    p.RoutingReason,
			TraceID:   p.SourceEventID,
		}, true
	case bus.OwnershipReleasedEvent:
		return Entry{
			Timestamp: now,
			Action:    "ownership.released",
			Decision:  "released",
			Subject:   p.ProjectID,
			Reason:    "agent " + p.AgentID,
		}, true
	case wip.Violation:
		decision := "warned"
		if p.Blocked {
			decision = "blocked"
		}
		return Entry{
			Timestamp: now,
			Action:    "wip.violation",
			Decision:  decision,
			Subject:   p.ProjectID + "/" + p.Column,
			Reason:    fmt.Sprintf("occupancy %d, limit %d (%s)", p.Occupancy, p.Limit, p.Type),
		}, true
	default:
		return Entry{}, false
	}
}

// Record persists one entry to the JSONL file and the audit_log table.
// Audit failures are logged, never propagated: an audit hiccup must not
// fail a route.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	r.mu.Lock()
	if r.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	r.mu.Unlock()

	if r.db != nil {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason)
		if err != nil {
			r.logger.Warn("audit table write failed", "action", e.Action, "error", err)
		}
	}
}
