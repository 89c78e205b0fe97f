// Package protocol parses an assistant turn into a models.Intent.
//
// Short-Key is the primary wire format: one or more concatenated JSON
// objects of the shape {"t":"tool_name","a":"action","i":{...}} for a tool
// call, or {"t":"final","f":"answer text"} for a final answer. Parsing
// tolerates models that emit several such objects back to back (for a
// parallel-dispatch batch) without wrapping them in an enclosing array.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// ToolAliases maps informal or legacy tool names the model sometimes emits
// to the registry's canonical name. A single table here keeps every caller
// (parser, recovery worker, dispatch) normalizing the same way.
var ToolAliases = map[string]string{
	"final_answer": "final",
	"answer":       "final",
	"done":         "final",
	"finish":       "final",
}

// NormalizeToolName resolves aliases and trims whitespace/case noise.
func NormalizeToolName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if canonical, ok := ToolAliases[lower]; ok {
		return canonical
	}
	return name
}

// LooksLikeShortKey is a cheap heuristic the engine uses to decide whether a
// parse failure is worth recovering via the Recovery Worker, versus treating
// it as plain prose (a models.IntentMessage).
func LooksLikeShortKey(content string) bool {
	return strings.Contains(content, `"t":`) || strings.Contains(content, `"a":"`)
}

// ParseShortKey scans content for balanced-brace JSON object spans, parses
// each as a models.ShortKeyAction, and returns the valid ones in order. It
// returns an error only when no object span could be extracted at all; a
// span that parses but fails ShortKeyAction.Valid() is silently skipped,
// matching the Short-Key contract that invalid stray objects (e.g. the
// model echoing a tool's own JSON schema) are not the model's decision.
func ParseShortKey(content string) ([]models.ShortKeyAction, error) {
	spans := balancedBraceSpans(content)
	if len(spans) == 0 {
		return nil, errNoJSONObject
	}

	var actions []models.ShortKeyAction
	for _, span := range spans {
		var sk models.ShortKeyAction
		if err := json.Unmarshal([]byte(span), &sk); err != nil {
			if extracted, ok := extractBySubstring(span); ok {
				sk = extracted
			} else {
				continue
			}
		}
		sk.T = NormalizeToolName(sk.T)
		if sk.Valid() {
			actions = append(actions, sk)
		}
	}

	if len(actions) == 0 {
		return nil, errNoValidAction
	}
	return actions, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

const (
	errNoJSONObject  = parseError("no JSON object found in content")
	errNoValidAction = parseError("no valid Short-Key action found in content")
)

// balancedBraceSpans returns every top-level {...} substring of s, scanning
// brace depth and ignoring braces inside quoted strings so a tool argument
// containing literal "{" does not split a span early.
func balancedBraceSpans(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

// extractBySubstring is the last-resort fallback when a span is not valid
// JSON (commonly an unescaped quote inside "i" or "f"). It pulls out the
// "t", "a", "f", and "confirm" fields with simple substring search and
// leaves "i" as the raw text between its surrounding braces, best-effort.
func extractBySubstring(span string) (models.ShortKeyAction, bool) {
	var sk models.ShortKeyAction
	t, ok := extractStringField(span, "t")
	if !ok {
		return sk, false
	}
	sk.T = t

	if f, ok := extractStringField(span, "f"); ok {
		sk.F = f
		return sk, true
	}
	if a, ok := extractStringField(span, "a"); ok {
		sk.A = a
		if i, ok := extractRawField(span, "i"); ok {
			sk.I = json.RawMessage(i)
			return sk, true
		}
	}
	return sk, false
}

func extractStringField(span, key string) (string, bool) {
	marker := `"` + key + `":"`
	idx := strings.Index(span, marker)
	if idx < 0 {
		return "", false
	}
	rest := span[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func extractRawField(span, key string) (string, bool) {
	marker := `"` + key + `":`
	idx := strings.Index(span, marker)
	if idx < 0 {
		return "", false
	}
	rest := span[idx+len(marker):]
	rest = strings.TrimSpace(rest)
	if rest == "" || rest[0] != '{' {
		return "", false
	}
	spans := balancedBraceSpans(rest)
	if len(spans) == 0 {
		return "", false
	}
	return spans[0], true
}
