package models

import "time"

// JobStatus is the lifecycle state of a BackgroundJob. Running is the only
// status a job may return to (via ContinueStalledJob, and only from
// Stalled); every other transition out of Completed/Failed/Cancelled is
// forbidden.
type JobStatus string

const (
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
	JobTimeoutPending JobStatus = "timeout_pending"
	JobStalled        JobStatus = "stalled"
)

// Terminal reports whether the status is a final state a job cannot leave
// except, for JobStalled, back to JobRunning.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// AgentType distinguishes the main agent loop from a spawned worker. Worker
// carries the worker's name so logs and status messages can identify it.
type AgentType struct {
	IsWorker bool   `json:"is_worker"`
	Name     string `json:"name,omitempty"`
}

// MainAgent is the AgentType of the top-level step engine.
var MainAgent = AgentType{}

// WorkerAgent builds the AgentType for a named worker.
func WorkerAgent(name string) AgentType {
	return AgentType{IsWorker: true, Name: name}
}

// JobMetrics tracks token and error accounting for a single job. Total must
// always equal Prompt+Completion; RecordUsage is the only supported way to
// add usage so this invariant cannot be violated from outside the package.
type JobMetrics struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	RequestCount     int `json:"request_count"`
	ContextTokens    int `json:"context_tokens"`
	MaxContextTokens int `json:"max_context_tokens"`
	ErrorCount       int `json:"error_count"`
	RateLimitHits    int `json:"rate_limit_hits"`
}

// RecordUsage folds one LLM call's usage into the metrics, keeping
// TotalTokens consistent with Prompt+Completion.
func (m *JobMetrics) RecordUsage(u Usage) {
	m.PromptTokens += u.Prompt
	m.CompletionTokens += u.Completion
	m.TotalTokens = m.PromptTokens + m.CompletionTokens
	m.RequestCount++
}

// ActionStampKind categorizes an entry in a job's action log.
type ActionStampKind string

const (
	ActionStampToolSuccess      ActionStampKind = "tool_success"
	ActionStampToolFailed       ActionStampKind = "tool_failed"
	ActionStampContextCondensed ActionStampKind = "context_condensed"
	ActionStampStatusMessage    ActionStampKind = "status_message"
	ActionStampStalled          ActionStampKind = "stalled"
	ActionStampResumed          ActionStampKind = "resumed"
)

// ActionEntry is one stamp in a job's action log. The log is capped at
// ActionLogCap entries; AddAction drops the oldest entry once full.
type ActionEntry struct {
	Kind      ActionStampKind `json:"kind"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActionLogCap is the maximum number of ActionEntry stamps retained per job.
const ActionLogCap = 100

// CleanupClaimState is the phase of a job's two-phase cleanup protocol.
type CleanupClaimState string

const (
	CleanupPending   CleanupClaimState = "pending"
	CleanupProcessed CleanupClaimState = "processed"
)

// CleanupClaim records when a terminal job was claimed for cleanup and
// whether the grace period has elapsed and cleanup actually ran.
type CleanupClaim struct {
	State     CleanupClaimState `json:"state"`
	ClaimedAt time.Time         `json:"claimed_at"`
}

// CleanupGracePeriod is how long a Pending cleanup claim waits before
// AdvanceCleanupClaims promotes it to Processed.
const CleanupGracePeriod = 15 * time.Second

// TimeoutGracePeriod is how long a job sits in JobTimeoutPending before
// PollUpdates fails it outright.
const TimeoutGracePeriod = 15 * time.Second

// BackgroundJob is a unit of work tracked by the job registry: the main
// step loop's own turn, or a spawned worker's independent loop.
type BackgroundJob struct {
	ID               string          `json:"id"`
	Tool             string          `json:"tool"`
	Description      string          `json:"description"`
	ShortTitle       string          `json:"short_title"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	Status           JobStatus       `json:"status"`
	Output           string          `json:"output"`
	Result           string          `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Observed         bool            `json:"observed"`
	Metrics          JobMetrics      `json:"metrics"`
	LastActivity     time.Time       `json:"last_activity"`
	ActionLog        []ActionEntry   `json:"action_log,omitempty"`
	IsWorker         bool            `json:"is_worker"`
	CleanupClaim     *CleanupClaim   `json:"cleanup_claim,omitempty"`
	TimeoutExpiresAt *time.Time      `json:"timeout_expires_at,omitempty"`
	StatusMessage    string          `json:"status_message,omitempty"`
	ParentJobID      string          `json:"parent_job_id,omitempty"`
	Model            string          `json:"model,omitempty"`
	AgentType        AgentType       `json:"agent_type"`
}

// ShortTitleMaxLen bounds BackgroundJob.ShortTitle.
const ShortTitleMaxLen = 15

// TruncateShortTitle clips a title to ShortTitleMaxLen runes, matching the
// way the registry stamps short_title on job creation.
func TruncateShortTitle(title string) string {
	r := []rune(title)
	if len(r) <= ShortTitleMaxLen {
		return title
	}
	return string(r[:ShortTitleMaxLen])
}
