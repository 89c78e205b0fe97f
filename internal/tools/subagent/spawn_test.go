package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ediblackk/mylm-sub001/internal/agent"
	"github.com/ediblackk/mylm-sub001/internal/jobs"
	"github.com/ediblackk/mylm-sub001/internal/protocol"
	"github.com/ediblackk/mylm-sub001/internal/scratchpad"
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// instantFactory returns a worker engine whose single LLM call produces a
// final answer immediately, so Spawn's background goroutine completes
// without needing a real provider.
func instantFactory(answer string) WorkerFactory {
	return func(cfg WorkerConfig, jobID string, shared *scratchpad.Store) (*agent.StepEngine, models.History) {
		registry := agent.NewToolRegistry()
		provider := &fakeProvider{text: `{"t":"final","f":"` + answer + `"}`}
		llm := agent.NewRateLimitedClient(agent.RateLimitedClientConfig{Provider: provider})
		engine := &agent.StepEngine{
			LLM:        llm,
			Tools:      registry,
			Executor:   agent.NewExecutor(registry, agent.DefaultExecutorConfig()),
			Scratchpad: shared,
			Config:     agent.StepEngineConfig{MaxIterations: 3, Model: "test-model"},
		}
		engine.Parser = protocol.NewParser(nil)
		history := models.History{Messages: []models.Message{models.NewMessage(models.RoleUser, cfg.Task)}}
		return engine, history
	}
}

func newTestManager(t *testing.T, maxActive int, answer string) *Manager {
	t.Helper()
	registry := jobs.NewRegistry()
	bus := agent.NewEventBus()
	shared := scratchpad.New()
	return NewManager(registry, bus, shared, instantFactory(answer), maxActive)
}

func TestNewManager_DefaultsMaxActive(t *testing.T) {
	m := NewManager(jobs.NewRegistry(), nil, nil, instantFactory("ok"), 0)
	if m.maxActive != 5 {
		t.Errorf("maxActive = %d, want 5", m.maxActive)
	}

	m = NewManager(jobs.NewRegistry(), nil, nil, instantFactory("ok"), -3)
	if m.maxActive != 5 {
		t.Errorf("maxActive = %d, want 5", m.maxActive)
	}
}

func TestManager_Spawn_RejectsMissingFields(t *testing.T) {
	m := newTestManager(t, 5, "ok")
	if _, err := m.Spawn(context.Background(), "", WorkerConfig{Task: "x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := m.Spawn(context.Background(), "", WorkerConfig{Name: "x"}); err == nil {
		t.Error("expected error for missing task")
	}
}

func TestManager_Spawn_RunsWorkerToCompletion(t *testing.T) {
	m := newTestManager(t, 5, "done researching")

	job, err := m.Spawn(context.Background(), "parent-1", WorkerConfig{Name: "researcher", Task: "look into X"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != models.JobRunning {
		t.Errorf("Status = %q, want running", job.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		updated := m.Get(job.ID)
		if updated.Status.Terminal() {
			if updated.Status != models.JobCompleted {
				t.Fatalf("Status = %q, want completed", updated.Status)
			}
			if updated.Result != "done researching" {
				t.Errorf("Result = %q, want %q", updated.Result, "done researching")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker did not complete in time")
}

func TestManager_Spawn_RejectsOverCapacity(t *testing.T) {
	m := newTestManager(t, 1, "ok")
	m.activeCount = 1

	_, err := m.Spawn(context.Background(), "", WorkerConfig{Name: "x", Task: "y"})
	if err == nil {
		t.Error("expected error when at capacity")
	}
}

func TestManager_ListChildren_FiltersByParent(t *testing.T) {
	registry := jobs.NewRegistry()
	m := NewManager(registry, nil, nil, instantFactory("ok"), 5)

	registry.CreateJob("a", "task-a", models.WorkerAgent("a"), "parent-1")
	registry.CreateJob("b", "task-b", models.WorkerAgent("b"), "parent-1")
	registry.CreateJob("c", "task-c", models.WorkerAgent("c"), "parent-2")

	children := m.ListChildren("parent-1")
	if len(children) != 2 {
		t.Errorf("len(children) = %d, want 2", len(children))
	}
}

func TestSpawnTool_Execute(t *testing.T) {
	m := newTestManager(t, 5, "ok")
	tool := NewSpawnTool(m)

	if tool.Name() != "spawn_worker" {
		t.Errorf("Name() = %q, want spawn_worker", tool.Name())
	}
	if tool.Description() == "" {
		t.Error("Description() should not be empty")
	}

	result, err := tool.Execute(context.Background(), []byte(`{"name":"researcher","task":"find X"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Errorf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "researcher") {
		t.Errorf("result should mention worker name, got: %s", result.Content)
	}
}

func TestSpawnTool_Execute_InvalidJSON(t *testing.T) {
	m := newTestManager(t, 5, "ok")
	tool := NewSpawnTool(m)

	result, err := tool.Execute(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for invalid JSON")
	}
}

func TestStatusTool_Execute_UnknownJob(t *testing.T) {
	m := newTestManager(t, 5, "ok")
	tool := NewStatusTool(m)

	result, err := tool.Execute(context.Background(), []byte(`{"job_id":"nonexistent"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for unknown job")
	}
}

func TestStatusTool_Execute_ListsChildren(t *testing.T) {
	registry := jobs.NewRegistry()
	m := NewManager(registry, nil, nil, instantFactory("ok"), 5)
	registry.CreateJob("a", "task-a", models.WorkerAgent("a"), "parent-1")

	tool := NewStatusTool(m)
	ctx := ContextWithJobID(context.Background(), "parent-1")
	result, err := tool.Execute(ctx, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Content, "task-a") {
		t.Errorf("expected listing to mention task-a, got: %s", result.Content)
	}
}

func TestCancelTool_Execute(t *testing.T) {
	registry := jobs.NewRegistry()
	m := NewManager(registry, nil, nil, instantFactory("ok"), 5)
	job := registry.CreateJob("a", "task-a", models.WorkerAgent("a"), "")

	tool := NewCancelTool(m)

	emptyResult, err := tool.Execute(context.Background(), []byte(`{"job_id":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !emptyResult.IsError {
		t.Error("expected IsError for empty job_id")
	}

	result, err := tool.Execute(context.Background(), []byte(`{"job_id":"`+job.ID+`"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Errorf("unexpected error: %s", result.Content)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"long string truncated", "hello world", 8, "hello..."},
		{"empty string", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

type fakeProvider struct {
	text string
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Name() string            { return "fake" }
func (p *fakeProvider) Models() []agent.Model   { return nil }
func (p *fakeProvider) SupportsTools() bool     { return true }
