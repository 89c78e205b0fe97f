package agent

import (
	"context"
	"fmt"
	"time"

	agentcontext "github.com/ediblackk/mylm-sub001/internal/agent/context"
	"github.com/ediblackk/mylm-sub001/internal/jobs"
	"github.com/ediblackk/mylm-sub001/internal/protocol"
	"github.com/ediblackk/mylm-sub001/internal/scratchpad"
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// MaxObservationChars bounds how much of a tool's raw output is appended
// back to history as an observation; longer output is truncated.
const MaxObservationChars = 8000

// MaxRecallMemories bounds how many memory entries are injected into a
// single request.
const MaxRecallMemories = 5

// ScratchpadReapEvery runs scratchpad reaping every Nth iteration rather
// than on every step.
const ScratchpadReapEvery = 5

// Memory is one recalled fact injected into a request.
type Memory struct {
	Content string
}

// MemoryStore is the read surface the step engine consults for recall. It
// never writes to History directly — recalled memories are folded into the
// outgoing request only.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]Memory, error)
}

// StepEngineConfig bounds one run of the engine.
type StepEngineConfig struct {
	MaxIterations              int
	MaxConsecutiveToolFailures int
	SystemPrompt               string
	Model                      string
	MaxContextTokens           int
	MaxContextBytes            int
}

// StepEngine is the core agentic loop: it alternates LLM calls with tool
// dispatch until the model produces a final answer, stalls, or the
// iteration cap is reached.
type StepEngine struct {
	LLM        *RateLimitedClient
	Tools      *ToolRegistry
	Executor   *Executor
	Context    *agentcontext.Manager
	Parser     *protocol.Parser
	Scratchpad *scratchpad.Store
	Jobs       *jobs.Registry
	Events     *EventBus
	Approval   *ApprovalChecker
	Guard      ToolResultGuard
	Memory     MemoryStore

	Config  StepEngineConfig
	JobID   string
	AgentID string

	// PendingDecision holds a confirm-gated action queued by a previous
	// Run call. The next Run call replays it via dispatch before doing
	// any further LLM round-trip.
	PendingDecision *models.Action
}

// Result is what a step-engine run produces.
type Result struct {
	History models.History
	Answer  string
	Usage   models.Usage
}

// Run drives the loop over the given starting history until a terminal
// Action, a Stall, the iteration cap, or a fatal error.
func (e *StepEngine) Run(ctx context.Context, history models.History) (*Result, error) {
	if err := history.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("starting history invalid: %w", err)
	}

	consecutiveFailures := 0
	consecutiveParseFailures := 0
	var totalUsage models.Usage

	maxIterations := e.Config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}

	iterationCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.PendingDecision != nil {
			pending := *e.PendingDecision
			e.PendingDecision = nil

			final, answerText, observations, failures, err := e.dispatch(ctx, []models.Action{pending})
			if err != nil {
				return nil, err
			}
			consecutiveFailures += failures
			if failures == 0 {
				consecutiveFailures = 0
			}
			history.Messages = append(history.Messages, observations...)
			if final {
				e.publish(models.CoreEvent{Kind: models.EventAgentResponse, Content: answerText, Usage: totalUsage})
				return &Result{History: history, Answer: answerText, Usage: totalUsage}, nil
			}
			continue
		}

		if iterationCount >= maxIterations {
			return &Result{History: history, Answer: "max iteration limit reached", Usage: totalUsage}, nil
		}

		e.checkScratchpadGate(&history)

		prepared := e.prepareContext(ctx, history)

		var memories []Memory
		if e.Memory != nil {
			if q := lastUserContent(prepared); q != "" {
				found, err := e.Memory.Search(ctx, q, MaxRecallMemories)
				if err == nil {
					memories = found
				}
			}
		}

		req := e.buildRequest(prepared, memories)

		e.publish(models.CoreEvent{Kind: models.EventAgentThinking, Model: e.Config.Model})

		chat, err := e.LLM.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("llm call failed: %w", err)
		}
		iterationCount++
		totalUsage = totalUsage.Add(chat.Usage)
		if e.Jobs != nil && e.JobID != "" {
			_ = e.Jobs.UpdateMetrics(e.JobID, chat.Usage)
		}

		if iterationCount%ScratchpadReapEvery == 0 && e.Scratchpad != nil {
			e.Scratchpad.Reap()
		}

		intent := e.Parser.Parse(ctx, chat.Text, chat.ToolCalls, consecutiveParseFailures, protocol.RecoveryRequest{
			Task:      e.Config.SystemPrompt,
			ToolNames: e.toolNames(),
		})

		switch intent.Kind {
		case models.IntentMessage:
			history.Messages = append(history.Messages, models.NewMessage(models.RoleAssistant, chat.Text))
			e.publish(models.CoreEvent{Kind: models.EventAgentResponse, Content: chat.Text, Usage: chat.Usage})
			return &Result{History: history, Answer: chat.Text, Usage: totalUsage}, nil

		case models.IntentMalformedAction:
			consecutiveParseFailures++
			history.Messages = append(history.Messages, models.NewMessage(models.RoleAssistant, chat.Text))
			history.Messages = append(history.Messages, models.NewMessage(models.RoleUser,
				fmt.Sprintf("Your last reply did not parse as a valid action: %s. Reply with a single valid Short-Key action.", intent.ParseErr)))
			continue

		case models.IntentStall:
			if e.Jobs != nil && e.JobID != "" {
				_ = e.Jobs.StallJob(e.JobID, intent.StallReason)
			}
			e.publish(models.CoreEvent{Kind: models.EventWorkerStalled, JobID: e.JobID, Reason: intent.StallReason})
			return &Result{History: history, Usage: totalUsage}, nil

		case models.IntentError:
			return nil, fmt.Errorf("agent reported error: %s", intent.ErrorText)

		case models.IntentAction:
			consecutiveParseFailures = 0
			history.Messages = append(history.Messages, models.NewMessage(models.RoleAssistant, chat.Text))

			if !hasTerminalAction(intent.Actions) {
				if confirmAction := firstConfirmAction(intent.Actions); confirmAction != nil {
					pending := *confirmAction
					e.PendingDecision = &pending
					e.publish(models.CoreEvent{Kind: models.EventAgentResponse, Content: chat.Text, Usage: chat.Usage})
					return &Result{History: history, Answer: chat.Text, Usage: totalUsage}, nil
				}
			}

			final, answerText, observations, failures, err := e.dispatch(ctx, intent.Actions)
			if err != nil {
				return nil, err
			}
			consecutiveFailures += failures
			if failures == 0 {
				consecutiveFailures = 0
			}

			maxFailures := e.Config.MaxConsecutiveToolFailures
			if maxFailures <= 0 {
				maxFailures = 3
			}
			if consecutiveFailures >= maxFailures {
				if e.Jobs != nil && e.JobID != "" {
					_ = e.Jobs.StallJob(e.JobID, "too many consecutive tool failures")
				}
				return &Result{History: history, Usage: totalUsage}, nil
			}

			history.Messages = append(history.Messages, observations...)

			if final {
				e.publish(models.CoreEvent{Kind: models.EventAgentResponse, Content: answerText, Usage: totalUsage})
				return &Result{History: history, Answer: answerText, Usage: totalUsage}, nil
			}
			continue
		}
	}
}

// hasTerminalAction reports whether any action in the batch is a Terminal
// (final-answer) action. A terminal action always wins over a confirm-gated
// one, per dispatch's own action-ordering rule.
func hasTerminalAction(actions []models.Action) bool {
	for _, a := range actions {
		if a.Kind == models.ActionTerminal {
			return true
		}
	}
	return false
}

// firstConfirmAction returns the first non-terminal action flagged
// confirm=true, or nil if none. The caller queues it as a PendingDecision
// instead of dispatching it immediately.
func firstConfirmAction(actions []models.Action) *models.Action {
	for i, a := range actions {
		if a.Kind != models.ActionTerminal && a.Confirm {
			return &actions[i]
		}
	}
	return nil
}

// dispatch executes one batch of actions. Internal-kind actions in the
// batch run in parallel via the Executor; a single Terminal action ends
// the step with its text as the final answer. Every internal call is
// checked against the ApprovalChecker first: a denial removes it from the
// execution set and appends an error observation instead, and a pending
// decision blocks on the approval channel before either outcome.
func (e *StepEngine) dispatch(ctx context.Context, actions []models.Action) (final bool, answer string, observations []models.Message, failures int, err error) {
	var internal []models.ToolCall
	for _, a := range actions {
		if a.Kind == models.ActionTerminal {
			return true, extractFinalText(a.Args), nil, 0, nil
		}
		internal = append(internal, models.ToolCall{ID: generateCallID(), Name: a.Tool, Input: a.Args})
	}

	if len(internal) == 0 {
		return false, "", nil, 0, nil
	}

	allowed := internal
	if e.Approval != nil {
		allowed = nil
		for _, call := range internal {
			decision, reason := e.Approval.Check(ctx, e.AgentID, call)
			switch decision {
			case ApprovalDenied:
				observations = append(observations, models.NewMessage(models.RoleTool,
					fmt.Sprintf("tool %q denied: %s", call.Name, reason)))

			case ApprovalPending:
				req, reqErr := e.Approval.CreateApprovalRequest(ctx, e.AgentID, "", call, reason)
				if reqErr != nil {
					observations = append(observations, models.NewMessage(models.RoleTool,
						fmt.Sprintf("tool %q denied: could not create approval request: %s", call.Name, reqErr)))
					continue
				}
				e.publish(models.CoreEvent{Kind: models.EventToolAwaitingApproval, Tool: call.Name, Args: call.Input, ApprovalID: req.ID})
				if e.Approval.Await(ctx, req.ID) == ApprovalAllowed {
					allowed = append(allowed, call)
				} else {
					observations = append(observations, models.NewMessage(models.RoleTool,
						fmt.Sprintf("tool %q denied: approval not granted", call.Name)))
				}

			default:
				allowed = append(allowed, call)
			}
		}
	}

	if len(allowed) == 0 {
		return false, "", observations, failures, nil
	}

	for _, call := range allowed {
		e.publish(models.CoreEvent{Kind: models.EventToolExecuting, Tool: call.Name, Args: call.Input})
	}

	results := e.Executor.ExecuteAll(ctx, allowed)
	for _, r := range results {
		content := ""
		isError := r.Error != nil
		if r.Error != nil {
			content = r.Error.Error()
			failures++
		} else if r.Result != nil {
			content = r.Result.Content
			isError = r.Result.IsError
			if isError {
				failures++
			}
		}
		content = truncateObservation(content)

		guarded := e.Guard.Apply(r.ToolName, models.ToolResult{ToolCallID: r.ToolCallID, Content: content, IsError: isError}, nil)
		msg := models.NewMessage(models.RoleTool, guarded.Content)
		msg.ToolCallID = guarded.ToolCallID
		observations = append(observations, msg)

		if e.Jobs != nil && e.JobID != "" {
			kind := models.ActionStampToolSuccess
			if isError {
				kind = models.ActionStampToolFailed
			}
			_ = e.Jobs.AddAction(e.JobID, kind, r.ToolName)
		}
	}

	return false, "", observations, failures, nil
}

func (e *StepEngine) prepareContext(ctx context.Context, history models.History) models.History {
	if e.Context == nil {
		return history
	}

	maxBytes := e.Config.MaxContextBytes
	if maxBytes <= 0 {
		maxBytes = agentcontext.DefaultMaxBytes
	}
	history = e.Context.PruneToByteLimit(history, maxBytes)

	if e.LLM != nil && e.Context.ShouldCondense(history) {
		if condensed, stamped, err := e.Context.CondenseHistory(ctx, e.LLM, history); err == nil {
			history = condensed
			if stamped && e.Jobs != nil && e.JobID != "" {
				_ = e.Jobs.AddAction(e.JobID, models.ActionStampContextCondensed, "condensed history")
			}
		}
	}

	if e.Config.MaxContextTokens > 0 {
		history = e.Context.PruneHistory(history, e.Config.MaxContextTokens)
	}
	return history
}

func (e *StepEngine) checkScratchpadGate(history *models.History) {
	if e.Scratchpad == nil {
		return
	}
	switch e.Scratchpad.CheckGate() {
	case scratchpad.GateWarn:
		history.Messages = append(history.Messages, models.NewMessage(models.RoleUser,
			"Scratchpad is getting large; consider consolidating notes."))
	case scratchpad.GateCritical:
		e.Scratchpad.Consolidate(func(entries []scratchpad.Entry) string {
			combined := ""
			for _, en := range entries {
				combined += en.Content + "\n"
			}
			return truncateObservation(combined)
		})
	}
}

func (e *StepEngine) buildRequest(history models.History, memories []Memory) *CompletionRequest {
	messages := make([]CompletionMessage, 0, len(history.Messages)+len(memories))
	for _, m := range memories {
		messages = append(messages, CompletionMessage{Role: "user", Content: "[recalled memory]: " + m.Content})
	}
	for _, m := range history.Messages {
		if m.Role == models.RoleSystem {
			continue
		}
		cm := CompletionMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == models.RoleTool {
			cm.ToolResults = []models.ToolResult{{ToolCallID: m.ToolCallID, Content: m.Content}}
		}
		messages = append(messages, cm)
	}

	var tools []Tool
	if e.Tools != nil {
		tools = e.Tools.AsLLMTools()
	}

	return &CompletionRequest{
		Model:    e.Config.Model,
		System:   e.Config.SystemPrompt,
		Messages: messages,
		Tools:    tools,
	}
}

func (e *StepEngine) toolNames() []string {
	if e.Tools == nil {
		return nil
	}
	var names []string
	for _, t := range e.Tools.AsLLMTools() {
		names = append(names, t.Name())
	}
	return names
}

func (e *StepEngine) publish(event models.CoreEvent) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(event)
}

func lastUserContent(h models.History) string {
	for i := len(h.Messages) - 1; i >= 0; i-- {
		if h.Messages[i].Role == models.RoleUser {
			return h.Messages[i].Content
		}
	}
	return ""
}

func truncateObservation(content string) string {
	if len(content) <= MaxObservationChars {
		return content
	}
	truncated := len(content) - MaxObservationChars
	return content[:MaxObservationChars] + fmt.Sprintf("…[truncated %d chars]", truncated)
}

func extractFinalText(args []byte) string {
	if len(args) >= 2 && args[0] == '"' && args[len(args)-1] == '"' {
		return string(args[1 : len(args)-1])
	}
	return string(args)
}

var callCounter int64

func generateCallID() string {
	callCounter++
	return fmt.Sprintf("call-%d-%d", time.Now().UnixNano(), callCounter)
}
