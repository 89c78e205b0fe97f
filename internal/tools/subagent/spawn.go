// Package subagent implements the delegation tool surface: spawning worker
// step engines that share the parent's scratchpad, run independently, and
// report back through the job registry and event bus rather than through a
// session handoff.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ediblackk/mylm-sub001/internal/agent"
	"github.com/ediblackk/mylm-sub001/internal/jobs"
	"github.com/ediblackk/mylm-sub001/internal/scratchpad"
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// WorkerConfig describes one worker spawn request.
type WorkerConfig struct {
	Name         string
	Task         string
	Model        string
	AllowedTools []string
	DeniedTools  []string
	Timeout      time.Duration
}

// WorkerFactory builds a StepEngine for one worker run. The manager supplies
// a fresh job ID and a shared scratchpad; the factory wires in whatever LLM
// client, tool registry, and approval policy the caller wants a worker to
// run with.
type WorkerFactory func(cfg WorkerConfig, jobID string, shared *scratchpad.Store) (*agent.StepEngine, models.History)

// Manager tracks spawned workers and enforces the concurrency ceiling. All
// workers spawned by one Manager share a single scratchpad, matching the
// spec's requirement that delegation does not fork context state per
// worker.
type Manager struct {
	mu          sync.RWMutex
	jobs        *jobs.Registry
	events      *agent.EventBus
	scratchpad  *scratchpad.Store
	factory     WorkerFactory
	maxActive   int
	activeCount int64
	announcer   func(ctx context.Context, parentJobID, message string) error
}

// NewManager builds a Manager. maxActive <= 0 defaults to 5 concurrent
// workers.
func NewManager(registry *jobs.Registry, events *agent.EventBus, shared *scratchpad.Store, factory WorkerFactory, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = 5
	}
	if shared == nil {
		shared = scratchpad.New()
	}
	return &Manager{
		jobs:       registry,
		events:     events,
		scratchpad: shared,
		factory:    factory,
		maxActive:  maxActive,
	}
}

// SetAnnouncer installs a callback invoked once a worker finishes, so the
// caller can surface the result back into the parent's conversation.
func (m *Manager) SetAnnouncer(fn func(ctx context.Context, parentJobID, message string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcer = fn
}

// Spawn starts a worker in the background and returns its job immediately;
// the caller polls jobs.Registry (directly or via EventBus) for completion.
func (m *Manager) Spawn(ctx context.Context, parentJobID string, cfg WorkerConfig) (*models.BackgroundJob, error) {
	if atomic.LoadInt64(&m.activeCount) >= int64(m.maxActive) {
		return nil, fmt.Errorf("max active workers reached (%d)", m.maxActive)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if cfg.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	job := m.jobs.CreateJob(cfg.Name, cfg.Task, models.WorkerAgent(cfg.Name), parentJobID)

	engine, history := m.factory(cfg, job.ID, m.scratchpad)
	engine.JobID = job.ID
	engine.Jobs = m.jobs
	engine.Events = m.events
	engine.Scratchpad = m.scratchpad

	runCtx := context.Background()
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	m.jobs.RegisterCancel(job.ID, cancel)

	atomic.AddInt64(&m.activeCount, 1)
	m.publishSpawned(job)

	go m.run(runCtx, cancel, job, engine, history, parentJobID)

	return job, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, job *models.BackgroundJob, engine *agent.StepEngine, history models.History, parentJobID string) {
	defer cancel()
	defer atomic.AddInt64(&m.activeCount, -1)

	result, err := engine.Run(ctx, history)
	if err != nil {
		_ = m.jobs.FailJob(job.ID, err.Error())
		m.announce(parentJobID, job, "", err.Error())
		return
	}

	_ = m.jobs.CompleteJob(job.ID, result.Answer)
	m.publishCompleted(job, result.Answer)
	m.announce(parentJobID, job, result.Answer, "")
}

func (m *Manager) announce(parentJobID string, job *models.BackgroundJob, result, errMsg string) {
	m.mu.RLock()
	announcer := m.announcer
	m.mu.RUnlock()
	if announcer == nil {
		return
	}

	outcome := &SubagentRunOutcome{Status: "ok"}
	if errMsg != "" {
		outcome.Status = "error"
		outcome.Error = errMsg
	}
	message := BuildTriggerMessage(TriggerMessageParams{
		Label:   job.ShortTitle,
		Task:    job.Description,
		Outcome: outcome,
		Reply:   result,
	})
	_ = announcer(context.Background(), parentJobID, message)
}

func (m *Manager) publishSpawned(job *models.BackgroundJob) {
	if m.events == nil {
		return
	}
	m.events.Publish(models.CoreEvent{Kind: models.EventWorkerSpawned, JobID: job.ID})
}

func (m *Manager) publishCompleted(job *models.BackgroundJob, result string) {
	if m.events == nil {
		return
	}
	m.events.Publish(models.CoreEvent{Kind: models.EventWorkerCompleted, JobID: job.ID, Result: result})
}

// Get returns a worker's job by ID.
func (m *Manager) Get(jobID string) *models.BackgroundJob {
	return m.jobs.Get(jobID)
}

// ListChildren returns all worker jobs spawned under parentJobID.
func (m *Manager) ListChildren(parentJobID string) []*models.BackgroundJob {
	var result []*models.BackgroundJob
	for _, job := range m.jobs.List() {
		if job.ParentJobID == parentJobID {
			result = append(result, job)
		}
	}
	return result
}

// Cancel stops a running worker.
func (m *Manager) Cancel(jobID string) error {
	return m.jobs.CancelJob(jobID)
}

// ActiveCount returns the number of currently running workers.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// SpawnTool exposes Manager.Spawn to the step engine's tool dispatch.
type SpawnTool struct {
	manager *Manager
}

// NewSpawnTool builds the spawn_worker tool.
func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string        { return "spawn_worker" }
func (t *SpawnTool) Description() string {
	return "Spawn a worker to handle a specific task in the background. Returns the worker's job ID for tracking."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "A short name for the worker (e.g. 'researcher', 'coder')"},
			"task": {"type": "string", "description": "The task for the worker to complete"},
			"allowed_tools": {"type": "array", "items": {"type": "string"}, "description": "Tools the worker may use (optional, defaults to all)"},
			"denied_tools": {"type": "array", "items": {"type": "string"}, "description": "Tools the worker may not use (optional)"},
			"timeout_seconds": {"type": "integer", "description": "Worker timeout in seconds (optional)"}
		},
		"required": ["name", "task"]
	}`)
}

func (t *SpawnTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Name           string   `json:"name"`
		Task           string   `json:"task"`
		AllowedTools   []string `json:"allowed_tools"`
		DeniedTools    []string `json:"denied_tools"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &agent.ToolResult{IsError: true, Content: fmt.Sprintf("invalid input: %s", err)}, nil
	}

	parentJobID := jobIDFromContext(ctx)
	cfg := WorkerConfig{
		Name:         params.Name,
		Task:         params.Task,
		AllowedTools: params.AllowedTools,
		DeniedTools:  params.DeniedTools,
	}
	if params.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	job, err := t.manager.Spawn(ctx, parentJobID, cfg)
	if err != nil {
		return &agent.ToolResult{IsError: true, Content: err.Error()}, nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf(
		"Worker '%s' spawned with job ID: %s\nTask: %s\nUse worker_status to check progress.",
		params.Name, job.ID, params.Task,
	)}, nil
}

// StatusTool checks on a spawned worker's job.
type StatusTool struct {
	manager *Manager
}

// NewStatusTool builds the worker_status tool.
func NewStatusTool(manager *Manager) *StatusTool {
	return &StatusTool{manager: manager}
}

func (t *StatusTool) Name() string        { return "worker_status" }
func (t *StatusTool) Description() string { return "Check the status of a spawned worker or list all workers spawned from this job." }

func (t *StatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"job_id": {"type": "string", "description": "Worker job ID to check (optional, omit to list all children of the current job)"}
		}
	}`)
}

func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &agent.ToolResult{IsError: true, Content: fmt.Sprintf("invalid input: %s", err)}, nil
	}

	if params.JobID != "" {
		job := t.manager.Get(params.JobID)
		if job == nil {
			return &agent.ToolResult{IsError: true, Content: fmt.Sprintf("worker job not found: %s", params.JobID)}, nil
		}
		result := fmt.Sprintf("Worker: %s (%s)\nStatus: %s\nTask: %s\n", job.ShortTitle, job.ID, job.Status, job.Description)
		if job.Status == models.JobCompleted {
			result += fmt.Sprintf("Result: %s\n", job.Result)
		}
		if job.Status == models.JobFailed {
			result += fmt.Sprintf("Error: %s\n", job.Error)
		}
		return &agent.ToolResult{Content: result}, nil
	}

	parentJobID := jobIDFromContext(ctx)
	children := t.manager.ListChildren(parentJobID)
	if len(children) == 0 {
		return &agent.ToolResult{Content: "No workers spawned."}, nil
	}

	result := fmt.Sprintf("Active workers: %d/%d\n\n", t.manager.ActiveCount(), t.manager.maxActive)
	for _, job := range children {
		result += fmt.Sprintf("- %s (%s): %s - %s\n", job.ShortTitle, job.ID, job.Status, truncate(job.Description, 50))
	}
	return &agent.ToolResult{Content: result}, nil
}

// CancelTool cancels a running worker.
type CancelTool struct {
	manager *Manager
}

// NewCancelTool builds the worker_cancel tool.
func NewCancelTool(manager *Manager) *CancelTool {
	return &CancelTool{manager: manager}
}

func (t *CancelTool) Name() string        { return "worker_cancel" }
func (t *CancelTool) Description() string { return "Cancel a running worker." }

func (t *CancelTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"job_id": {"type": "string", "description": "Worker job ID to cancel"}},
		"required": ["job_id"]
	}`)
}

func (t *CancelTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &agent.ToolResult{IsError: true, Content: fmt.Sprintf("invalid input: %s", err)}, nil
	}
	if params.JobID == "" {
		return &agent.ToolResult{IsError: true, Content: "job_id is required"}, nil
	}
	if err := t.manager.Cancel(params.JobID); err != nil {
		return &agent.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Worker %s cancelled.", params.JobID)}, nil
}

type jobIDContextKey struct{}

// ContextWithJobID stamps the current job ID onto a context so delegation
// tools can read their caller's job without it being passed as a tool
// argument.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDContextKey{}, jobID)
}

func jobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
