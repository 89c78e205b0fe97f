package models

import "encoding/json"

// IntentKind distinguishes the branches of the Intent sum type parsed out of
// an assistant turn. Exactly one branch applies to a given Intent.
type IntentKind string

const (
	IntentMessage         IntentKind = "message"
	IntentAction          IntentKind = "action"
	IntentMalformedAction IntentKind = "malformed_action"
	IntentStall           IntentKind = "stall"
	IntentError           IntentKind = "error"
)

// ActionKind marks whether an Action terminates the step (produces a final
// answer to the caller) or continues the loop internally.
type ActionKind string

const (
	ActionInternal ActionKind = "internal"
	ActionTerminal ActionKind = "terminal"
)

// Usage accumulates token counts across one or more LLM calls. Total must
// always equal Prompt+Completion; callers construct it through NewUsage or
// Add rather than setting Total by hand.
type Usage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// NewUsage builds a Usage with Total derived from its parts.
func NewUsage(prompt, completion int) Usage {
	return Usage{Prompt: prompt, Completion: completion, Total: prompt + completion}
}

// Add returns the element-wise sum of two Usage values.
func (u Usage) Add(other Usage) Usage {
	return NewUsage(u.Prompt+other.Prompt, u.Completion+other.Completion)
}

// Action is one tool invocation the engine decided to dispatch, either as a
// final answer (Kind == ActionTerminal, Tool == "" / a designated final tool)
// or as a step that continues the loop.
type Action struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Kind    ActionKind      `json:"kind"`
	Confirm bool            `json:"confirm,omitempty"`
}

// Intent is the parsed shape of a single assistant turn. Callers switch on
// Kind and read only the field that kind populates; the rest are zero.
type Intent struct {
	Kind IntentKind

	// IntentMessage
	Text  string
	Usage Usage

	// IntentAction — may hold more than one Action for a parallel dispatch
	// batch (internal-mode Short-Key concatenation).
	Actions []Action

	// IntentMalformedAction
	RawText   string
	ParseErr  string

	// IntentStall
	StallReason  string
	ToolFailures int

	// IntentError
	ErrorText string
}

// ShortKeyAction is the wire form the engine asks the model to emit. A
// single assistant turn may concatenate more than one of these JSON objects
// back to back for a parallel-dispatch batch; the parser splits on balanced
// braces rather than requiring an enclosing array.
type ShortKeyAction struct {
	T       string          `json:"t"`
	A       string          `json:"a,omitempty"`
	I       json.RawMessage `json:"i,omitempty"`
	F       string          `json:"f,omitempty"`
	Confirm bool            `json:"confirm,omitempty"`
}

// StallTool is the Short-Key tool name reserved for signaling a stall: the
// agent can make no further progress and needs outside input. It carries
// neither an action nor a final answer; F, when present, is the stall
// reason rather than an answer.
const StallTool = "stall"

// Valid reports whether the action satisfies the Short-Key grammar: T is
// required, and exactly one of (A and I) or F must be present — except for
// StallTool, which needs only T (F, if present, is the stall reason).
func (s ShortKeyAction) Valid() bool {
	if s.T == "" {
		return false
	}
	if s.T == StallTool {
		return true
	}
	hasAction := s.A != "" && len(s.I) > 0
	hasFinal := s.F != ""
	return hasAction != hasFinal
}
