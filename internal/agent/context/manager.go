// Package context implements the step engine's ContextManager: token/byte
// budget pruning and LLM-assisted condensation of conversation history.
package context

import (
	"context"
	"fmt"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// DefaultMaxBytes is the byte ceiling applied when Config.MaxBytes is zero.
const DefaultMaxBytes = 3 * 1024 * 1024

// DefaultCondenseThreshold triggers condensation once token usage crosses
// this fraction of MaxTokens.
const DefaultCondenseThreshold = 0.8

// Config bounds what a single prepared context may contain.
type Config struct {
	MaxTokens         int
	MaxOutputTokens   int
	CondenseThreshold float64
	MaxBytes          int
}

// normalize fills in defaults for zero-valued fields.
func (c Config) normalize() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.CondenseThreshold <= 0 || c.CondenseThreshold > 1 {
		c.CondenseThreshold = DefaultCondenseThreshold
	}
	return c
}

// CondenseLLM is the minimal surface needed to summarize history: a single
// blocking completion call over a constructed prompt.
type CondenseLLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Manager implements prepare/prune/condense over a models.History. It holds
// no history itself; every method takes the history it operates on and
// returns a new one, so the caller (the step engine) owns mutation.
type Manager struct {
	cfg Config
}

// NewManager builds a Manager with defaults applied to any zero fields.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.normalize()}
}

// PreflightWarning is an advisory the caller may surface to the user; it
// never blocks a call the way context-too-large refusal does.
type PreflightWarning struct {
	Message string
}

// PreflightCheck reports advisory warnings about a history's size without
// modifying it.
func (m *Manager) PreflightCheck(h models.History) []PreflightWarning {
	var warnings []PreflightWarning
	tokens := totalTokens(h)
	bytes := totalBytes(h)

	if m.cfg.MaxTokens > 0 && float64(tokens) >= float64(m.cfg.MaxTokens)*m.cfg.CondenseThreshold {
		warnings = append(warnings, PreflightWarning{
			Message: fmt.Sprintf("history at %d/%d tokens, approaching condense threshold", tokens, m.cfg.MaxTokens),
		})
	}
	if bytes >= m.cfg.MaxBytes*9/10 {
		warnings = append(warnings, PreflightWarning{
			Message: fmt.Sprintf("history at %d/%d bytes, approaching byte limit", bytes, m.cfg.MaxBytes),
		})
	}
	return warnings
}

// ShouldCondense reports whether a history's token usage has crossed the
// configured condense threshold and is therefore a candidate for
// CondenseHistory. Returns false when no MaxTokens budget is configured.
func (m *Manager) ShouldCondense(h models.History) bool {
	if m.cfg.MaxTokens <= 0 {
		return false
	}
	return float64(totalTokens(h)) >= float64(m.cfg.MaxTokens)*m.cfg.CondenseThreshold
}

// PruneHistory drops the oldest messages until the remainder fits within
// maxTokens, preserving a leading System message (H1) and ensuring the
// first non-system message is a User message (H2) by dropping any leading
// non-User messages left dangling after the cut. Idempotent: pruning an
// already-pruned history that fits the budget returns it unchanged.
func (m *Manager) PruneHistory(h models.History, maxTokens int) models.History {
	if maxTokens <= 0 || totalTokens(h) <= maxTokens {
		return h
	}

	msgs := h.Messages
	var system *models.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
	}

	budget := maxTokens
	if system != nil {
		budget -= system.TokenCount
	}

	var kept []models.Message
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		msg := rest[i]
		if used+msg.TokenCount > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, msg)
		used += msg.TokenCount
	}
	reverseMessages(kept)
	kept = dropLeadingNonUser(kept)

	out := make([]models.Message, 0, len(kept)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, kept...)
	return models.History{Messages: out}
}

// PruneToByteLimit is PruneHistory's byte-budgeted twin. It never splits a
// message: a message is either kept whole or dropped.
func (m *Manager) PruneToByteLimit(h models.History, maxBytes int) models.History {
	if maxBytes <= 0 || totalBytes(h) <= maxBytes {
		return h
	}

	msgs := h.Messages
	var system *models.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
	}

	budget := maxBytes
	if system != nil {
		budget -= system.ByteSize
	}

	var kept []models.Message
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		msg := rest[i]
		if used+msg.ByteSize > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, msg)
		used += msg.ByteSize
	}
	reverseMessages(kept)
	kept = dropLeadingNonUser(kept)

	out := make([]models.Message, 0, len(kept)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, kept...)
	return models.History{Messages: out}
}

// condensedStampThreshold is the minimum token reduction a condensation
// pass must achieve before the engine bothers stamping a ContextCondensed
// action entry for it.
const condensedStampThreshold = 100

// CondenseHistory keeps the System message (if any) and the last three
// messages verbatim, summarizes everything between them into one
// "[Context Summary]:"-prefixed Assistant message via llm, and reports
// whether the reduction was large enough to be worth recording.
func (m *Manager) CondenseHistory(ctx context.Context, llm CondenseLLM, h models.History) (models.History, bool, error) {
	msgs := h.Messages
	var system *models.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
	}

	const keepRecent = 3
	if len(rest) <= keepRecent {
		return h, false, nil
	}

	toSummarize := rest[:len(rest)-keepRecent]
	recent := rest[len(rest)-keepRecent:]

	before := totalTokens(h)

	prompt := buildCondensationPrompt(toSummarize)
	summary, err := llm.Complete(ctx, prompt)
	if err != nil {
		return h, false, fmt.Errorf("condense history: %w", err)
	}

	summaryMsg := models.NewMessage(models.RoleAssistant, "[Context Summary]: "+summary)

	out := make([]models.Message, 0, len(recent)+2)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, summaryMsg)
	out = append(out, recent...)
	condensed := models.History{Messages: out}

	after := totalTokens(condensed)
	return condensed, before-after > condensedStampThreshold, nil
}

func buildCondensationPrompt(msgs []models.Message) string {
	prompt := "Summarize the following conversation turns concisely, preserving any facts, decisions, and tool results a continuation of this task would need:\n\n"
	for _, m := range msgs {
		prompt += string(m.Role) + ": " + m.Content + "\n"
	}
	prompt += "\nSummary:"
	return prompt
}

func totalTokens(h models.History) int {
	n := 0
	for _, m := range h.Messages {
		n += m.TokenCount
	}
	return n
}

func totalBytes(h models.History) int {
	n := 0
	for _, m := range h.Messages {
		n += m.ByteSize
	}
	return n
}

func reverseMessages(m []models.Message) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

func dropLeadingNonUser(m []models.Message) []models.Message {
	i := 0
	for i < len(m) && m[i].Role != models.RoleUser {
		i++
	}
	return m[i:]
}
