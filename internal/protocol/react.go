package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

// reActPattern matches the classic ReAct tool-call shape:
//
//	Action: tool_name
//	Action Input: {"key": "value"}
//
// as a fallback for models that were not trained on Short-Key at all.
var reActPattern = regexp.MustCompile(`(?is)Action:\s*([a-zA-Z0-9_.:-]+)\s*\nAction Input:\s*(\{.*\})`)

// ParseReAct extracts a tool name and raw JSON input from ReAct-formatted
// content. It is tried after Short-Key and native tool calls fail.
func ParseReAct(content string) (tool string, input json.RawMessage, ok bool) {
	m := reActPattern.FindStringSubmatch(content)
	if m == nil {
		return "", nil, false
	}
	tool = NormalizeToolName(strings.TrimSpace(m[1]))

	spans := balancedBraceSpans(m[2])
	if len(spans) == 0 {
		return "", nil, false
	}
	raw := json.RawMessage(spans[0])
	if !json.Valid(raw) {
		return "", nil, false
	}
	return tool, raw, true
}
