package models

import "encoding/json"

// CoreEventKind identifies which branch of CoreEvent is populated.
type CoreEventKind string

const (
	EventWorkerSpawned        CoreEventKind = "worker_spawned"
	EventWorkerCompleted      CoreEventKind = "worker_completed"
	EventWorkerStalled        CoreEventKind = "worker_stalled"
	EventWorkerMetricsUpdate  CoreEventKind = "worker_metrics_update"
	EventAgentThinking        CoreEventKind = "agent_thinking"
	EventAgentResponse        CoreEventKind = "agent_response"
	EventToolExecuting        CoreEventKind = "tool_executing"
	EventToolAwaitingApproval CoreEventKind = "tool_awaiting_approval"
	EventStatusUpdate         CoreEventKind = "status_update"
)

// CoreEvent is broadcast on the event bus. Producers fill only the fields
// relevant to Kind; subscribers switch on Kind before reading them.
type CoreEvent struct {
	Kind CoreEventKind `json:"kind"`

	JobID      string          `json:"job_id,omitempty"`
	Result     string          `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metrics    JobMetrics      `json:"metrics,omitempty"`
	Model      string          `json:"model,omitempty"`
	Content    string          `json:"content,omitempty"`
	Usage      Usage           `json:"usage,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Message    string          `json:"message,omitempty"`
}
