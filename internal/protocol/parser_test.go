package protocol

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

func TestParseShortKey_SingleAction(t *testing.T) {
	content := `{"t":"web_search","a":"search","i":{"query":"go generics"}}`
	actions, err := ParseShortKey(content)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "web_search", actions[0].T)
	assert.Equal(t, "search", actions[0].A)
}

func TestParseShortKey_ConcatenatedBatch(t *testing.T) {
	content := `{"t":"a","a":"x","i":{}}{"t":"b","a":"y","i":{}}`
	actions, err := ParseShortKey(content)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a", actions[0].T)
	assert.Equal(t, "b", actions[1].T)
}

func TestParseShortKey_FinalAnswer(t *testing.T) {
	content := `{"t":"final","f":"the answer is 42"}`
	actions, err := ParseShortKey(content)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "the answer is 42", actions[0].F)
}

func TestParseShortKey_InvalidGrammarSkipped(t *testing.T) {
	// has both a+i and f -- invalid per ShortKeyAction.Valid()
	content := `{"t":"x","a":"y","i":{},"f":"z"}`
	_, err := ParseShortKey(content)
	assert.Error(t, err)
}

func TestParseShortKey_StallNeedsOnlyTool(t *testing.T) {
	content := `{"t":"stall","f":"waiting on credentials"}`
	actions, err := ParseShortKey(content)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.StallTool, actions[0].T)
}

func TestParser_Parse_StallProducesIntentStall(t *testing.T) {
	p := NewParser(nil)
	intent := p.Parse(context.Background(), `{"t":"stall","f":"need more info"}`, nil, 0, RecoveryRequest{})
	assert.Equal(t, models.IntentStall, intent.Kind)
	assert.Equal(t, "need more info", intent.StallReason)
}

func TestParseReAct_Basic(t *testing.T) {
	content := "Action: web_search\nAction Input: {\"query\": \"weather\"}"
	tool, input, ok := ParseReAct(content)
	require.True(t, ok)
	assert.Equal(t, "web_search", tool)
	assert.JSONEq(t, `{"query":"weather"}`, string(input))
}

func TestNativeToSequentialAction_DropsTrailing(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "1", Name: "first", Input: json.RawMessage(`{}`)},
		{ID: "2", Name: "second", Input: json.RawMessage(`{}`)},
	}
	action, unused, ok := NativeToSequentialAction(calls)
	require.True(t, ok)
	assert.Equal(t, "first", action.Tool)
	assert.Equal(t, 1, unused)
}

func TestParser_Parse_PrefersShortKeyOverNative(t *testing.T) {
	p := NewParser(nil)
	content := `{"t":"shortkey_tool","a":"x","i":{}}`
	native := []models.ToolCall{{ID: "1", Name: "native_tool", Input: json.RawMessage(`{}`)}}

	intent := p.Parse(context.Background(), content, native, 0, RecoveryRequest{})
	require.Equal(t, models.IntentAction, intent.Kind)
	require.Len(t, intent.Actions, 1)
	assert.Equal(t, "shortkey_tool", intent.Actions[0].Tool)
}

func TestParser_Parse_MalformedWithoutRecovery(t *testing.T) {
	p := NewParser(nil)
	intent := p.Parse(context.Background(), "not parseable at all", nil, 0, RecoveryRequest{})
	assert.Equal(t, models.IntentMalformedAction, intent.Kind)
}

type stubRecoveryLLM struct {
	reply string
	err   error
}

func (s stubRecoveryLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.reply, s.err
}

func TestParser_Parse_RecoversAfterPriorFailure(t *testing.T) {
	p := NewParser(stubRecoveryLLM{reply: `{"t":"recovered","a":"x","i":{}}`})
	intent := p.Parse(context.Background(), `{"t":"broken`, nil, 1, RecoveryRequest{Task: "t", ToolNames: []string{"recovered"}})
	require.Equal(t, models.IntentAction, intent.Kind)
	require.Len(t, intent.Actions, 1)
	assert.Equal(t, "recovered", intent.Actions[0].Tool)
}

func TestParser_Parse_RecoveryReturnsNone(t *testing.T) {
	p := NewParser(stubRecoveryLLM{reply: `{"t":"none"}`})
	intent := p.Parse(context.Background(), `garbled but looks like "t": "x"`, nil, 1, RecoveryRequest{})
	assert.Equal(t, models.IntentMessage, intent.Kind)
}

func TestParser_Parse_NoRecoveryWithoutPriorFailure(t *testing.T) {
	p := NewParser(stubRecoveryLLM{reply: `{"t":"recovered","a":"x","i":{}}`})
	intent := p.Parse(context.Background(), "plain prose, not short-key at all", nil, 0, RecoveryRequest{})
	assert.Equal(t, models.IntentMalformedAction, intent.Kind)
}
