// Package events defines the inbound domain-event contract and the routed
// task record the routing plane produces from it.
package events

import (
	"time"
)

// Priority levels for routed tasks.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task types a router can produce.
const (
	TaskTypeMessage        = "message"
	TaskTypeImplementStory = "implement_story"
	TaskTypeWriteTests     = "write_tests"
	TaskTypeAnalyzeStory   = "analyze_story"
	TaskTypeReviewStory    = "review_story"
)

// DomainEvent is an inbound event from the surrounding platform. EventType
// names the topic it arrived on; Payload is the type-specific body.
type DomainEvent struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	ProjectID string         `json:"project_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// PayloadString returns the payload field as a string, or "" when absent or
// not a string.
func (e DomainEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool returns the payload field as a bool, false when absent.
func (e DomainEvent) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return false
}

// Task is a routed unit of work. Built by a router from the source event plus
// router-supplied fields, published exactly once to the routed-task topic,
// and immutable afterwards except for its terminal status (owned by the
// persistence layer).
type Task struct {
	TaskID          string            `json:"task_id"`
	TaskType        string            `json:"task_type"`
	AgentID         string            `json:"agent_id,omitempty"` // empty until scheduled
	SourceEventType string            `json:"source_event_type"`
	SourceEventID   string            `json:"source_event_id"`
	RoutingReason   string            `json:"routing_reason"`
	Priority        string            `json:"priority"`
	ProjectID       string            `json:"project_id"`
	UserID          string            `json:"user_id,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// MergeContext returns a copy of base with extra merged on top. Router-added
// fields win over event-supplied ones.
func MergeContext(base, extra map[string]string) map[string]string {
	if base == nil && extra == nil {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
