package protocol

import (
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// NativeToSequentialAction converts a provider's native tool-call array into
// a single Action, ignoring any calls beyond the first.
//
// Short-Key supports concatenating several actions for parallel dispatch,
// but a provider's native tool-call protocol does not carry the same
// internal/terminal distinction per call, so a turn with more than one
// native tool call is treated as sequential (V2 behavior): only the first
// call dispatches this step, and the model gets its result back before it
// can request the next. unused reports how many trailing calls were
// dropped so the caller can log it.
func NativeToSequentialAction(calls []models.ToolCall) (action models.Action, unused int, ok bool) {
	if len(calls) == 0 {
		return models.Action{}, 0, false
	}
	first := calls[0]
	return models.Action{
		Tool: NormalizeToolName(first.Name),
		Args: first.Input,
		Kind: models.ActionInternal,
	}, len(calls) - 1, true
}
