package bus

// Inbound domain-event topics consumed by the dispatcher.
const (
	TopicStoryMoved         = "story.moved"
	TopicChatMessageCreated = "chat.message.created"
	TopicAgentResponse      = "agent.response.created"
	TopicAgentStatusChanged = "agent.status.changed"
)

// Outbound topics.
const (
	// TopicTaskRouted carries fully-formed routed tasks for worker consumption.
	TopicTaskRouted = "task.routed"

	// TopicTaskDelivered is the best-effort "your task was dispatched"
	// notification. Losing one of these is acceptable.
	TopicTaskDelivered = "task.delivered"

	// TopicOwnershipReleased is broadcast when a project's active agent
	// pointer is cleared after task completion.
	TopicOwnershipReleased = "project.ownership_released"

	// TopicWIPViolation is published for soft-limit warnings so observers
	// (board UI, operators) can surface them.
	TopicWIPViolation = "wip.violation"
)

// TaskDeliveredEvent is published after a routed task reaches the outbound topic.
type TaskDeliveredEvent struct {
	TaskID        string // Routed task ID
	TaskType      string // message, implement_story, write_tests, ...
	PoolName      string // Pool the task was scheduled onto
	RoutingReason string // Human-readable routing annotation
}

// OwnershipReleasedEvent is published when a project's active agent is cleared.
type OwnershipReleasedEvent struct {
	ProjectID string // Project whose ownership was released
	AgentID   string // Agent that previously held ownership ("" if already clear)
}
