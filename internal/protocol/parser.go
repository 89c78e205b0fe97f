package protocol

import (
	"context"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// FinalTool is the Short-Key/native tool name that marks a terminal action
// (a final answer to the caller) rather than an internal step.
const FinalTool = "final"

// Parser turns one assistant turn into a models.Intent, trying Short-Key
// first, then the provider's native tool-call array, then a ReAct regex,
// and finally — only once a prior failure has already occurred on content
// that looks like Short-Key — an LLM-assisted Recovery Worker.
type Parser struct {
	Recovery RecoveryLLM
}

// NewParser builds a Parser. recovery may be nil, in which case recovery
// attempts are skipped and a parse failure always becomes MalformedAction.
func NewParser(recovery RecoveryLLM) *Parser {
	return &Parser{Recovery: recovery}
}

// Parse converts one turn. priorFailures is the number of consecutive parse
// failures already observed this step run; it gates the Recovery Worker.
func (p *Parser) Parse(ctx context.Context, content string, nativeCalls []models.ToolCall, priorFailures int, recoveryCtx RecoveryRequest) models.Intent {
	if actions := tryShortKey(content); actions != nil {
		return actionsToIntent(actions)
	}

	if action, unused, ok := NativeToSequentialAction(nativeCalls); ok {
		_ = unused // dropped trailing calls; caller may log via unused if it re-derives it
		return actionIntent(action)
	}

	if tool, input, ok := ParseReAct(content); ok {
		return actionIntent(models.Action{Tool: tool, Args: input, Kind: kindFor(tool)})
	}

	if priorFailures >= 1 && p.Recovery != nil && LooksLikeShortKey(content) {
		recoveryCtx.FailedContent = content
		actions, err := Recover(ctx, p.Recovery, recoveryCtx)
		if err == nil {
			if len(actions) == 0 {
				// Recovery Worker confirmed no intent was present.
				return models.Intent{Kind: models.IntentMessage, Text: content}
			}
			return actionsToIntent(actions)
		}
	}

	return models.Intent{
		Kind:     models.IntentMalformedAction,
		RawText:  content,
		ParseErr: recoveryCtx.ParseError,
	}
}

func tryShortKey(content string) []models.ShortKeyAction {
	actions, err := ParseShortKey(content)
	if err != nil {
		return nil
	}
	return actions
}

func kindFor(tool string) models.ActionKind {
	if tool == FinalTool {
		return models.ActionTerminal
	}
	return models.ActionInternal
}

func actionIntent(a models.Action) models.Intent {
	return models.Intent{Kind: models.IntentAction, Actions: []models.Action{a}}
}

func actionsToIntent(sk []models.ShortKeyAction) models.Intent {
	if len(sk) == 1 && sk[0].T == models.StallTool {
		return models.Intent{Kind: models.IntentStall, StallReason: sk[0].F}
	}

	actions := make([]models.Action, 0, len(sk))
	for _, a := range sk {
		if a.F != "" {
			actions = append(actions, models.Action{
				Tool:    FinalTool,
				Args:    rawMessageFromString(a.F),
				Kind:    models.ActionTerminal,
				Confirm: a.Confirm,
			})
			continue
		}
		actions = append(actions, models.Action{
			Tool:    a.T,
			Args:    a.I,
			Kind:    models.ActionInternal,
			Confirm: a.Confirm,
		})
	}
	return models.Intent{Kind: models.IntentAction, Actions: actions}
}

func rawMessageFromString(s string) []byte {
	// Final answers carry their text directly; wrap it so Action.Args stays
	// valid JSON regardless of what the caller expects to unmarshal it as.
	quoted := make([]byte, 0, len(s)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			quoted = append(quoted, '\\')
		}
		quoted = append(quoted, c)
	}
	quoted = append(quoted, '"')
	return quoted
}
