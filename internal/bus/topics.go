package bus

// Agent run lifecycle topics.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunTaskUpdate   = "run.task_update"
	TopicRunLog          = "run.log"
	TopicRunCompleted    = "run.completed"
	TopicRunFailed       = "run.failed"
)

// Session stream topics.
const (
	TopicStreamStart = "stream.start"
	TopicStreamChunk = "stream.chunk"
	TopicStreamEnd   = "stream.end"
)

// RunStateChangedEvent is published when an agent run's status changes.
type RunStateChangedEvent struct {
	RunID     string // Run ID
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. RUNNING)
	Reason    string // Human-readable reason for terminal transitions
}

// RunTaskUpdateEvent is published when a run's todo list changes.
type RunTaskUpdateEvent struct {
	RunID string
	Tasks []RunTaskItem
}

// RunTaskItem is one entry of a run's todo list.
type RunTaskItem struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// RunLogEvent is published for run progress lines worth surfacing to watchers.
type RunLogEvent struct {
	RunID   string
	Level   string
	Message string
}

// StreamEvent is published for each chunk of a session's live query stream.
type StreamEvent struct {
	SessionID string
	RunID     string // set when the stream belongs to a background run
	EventType string
	Data      map[string]any
}
