package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// RecoveryLLM is the minimal surface the Recovery Worker needs from an LLM
// client: a single blocking completion call over plain text.
type RecoveryLLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RecoveryRequest carries the context the recovery prompt is built from.
type RecoveryRequest struct {
	Task         string
	ToolNames    []string
	FailedContent string
	ParseError   string
}

// recoveryPromptTemplate is fixed: the engine never varies its wording so
// the recovery model's behavior stays predictable across retries.
const recoveryPromptTemplate = `You are recovering a malformed agent turn.

Task: %s

Available tools: %s

The previous turn failed to parse as a valid action. Its raw content was:
---
%s
---

Parser error: %s

Reply with EITHER a single valid Short-Key action object, for example:
{"t":"tool_name","a":"action","i":{"key":"value"}}
or, if no tool call or final answer is actually intended:
{"t":"none"}

Reply with nothing else.`

// BuildRecoveryPrompt renders the fixed recovery prompt for a request.
func BuildRecoveryPrompt(req RecoveryRequest) string {
	return fmt.Sprintf(recoveryPromptTemplate,
		req.Task,
		strings.Join(req.ToolNames, ", "),
		req.FailedContent,
		req.ParseError,
	)
}

// Recover invokes the Recovery Worker and parses its reply. It is triggered
// by the step engine only after at least one prior parse failure on
// content that LooksLikeShortKey. A reply of {"t":"none"} is a valid,
// successful recovery meaning "no intent was actually present" — it is
// reported via the ok return with a nil action slice, not as an error.
func Recover(ctx context.Context, llm RecoveryLLM, req RecoveryRequest) ([]models.ShortKeyAction, error) {
	prompt := BuildRecoveryPrompt(req)
	reply, err := llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("recovery worker call failed: %w", err)
	}

	actions, err := ParseShortKey(reply)
	if err != nil {
		if strings.Contains(reply, `"t":"none"`) || strings.Contains(reply, `"t": "none"`) {
			return nil, nil
		}
		return nil, fmt.Errorf("recovery worker reply did not parse: %w", err)
	}
	return actions, nil
}
