package context

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

func buildHistory(n int) models.History {
	msgs := []models.Message{models.NewMessage(models.RoleSystem, "system prompt")}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.NewMessage(role, strings.Repeat("word ", 20)))
	}
	return models.History{Messages: msgs}
}

func TestPruneHistory_PreservesSystemAndBudget(t *testing.T) {
	h := buildHistory(40)
	m := NewManager(Config{})

	pruned := m.PruneHistory(h, 200)
	require.NoError(t, pruned.CheckInvariants())
	assert.Equal(t, models.RoleSystem, pruned.Messages[0].Role)

	total := 0
	for _, msg := range pruned.Messages {
		total += msg.TokenCount
	}
	assert.LessOrEqual(t, total, 200+pruned.Messages[0].TokenCount)
}

func TestPruneHistory_Idempotent(t *testing.T) {
	h := buildHistory(40)
	m := NewManager(Config{})

	once := m.PruneHistory(h, 200)
	twice := m.PruneHistory(once, 200)
	assert.Equal(t, len(once.Messages), len(twice.Messages))
}

func TestPruneToByteLimit_NeverSplitsMessage(t *testing.T) {
	h := buildHistory(40)
	m := NewManager(Config{})

	pruned := m.PruneToByteLimit(h, 500)
	require.NoError(t, pruned.CheckInvariants())

	total := 0
	for _, msg := range pruned.Messages {
		total += msg.ByteSize
	}
	assert.LessOrEqual(t, total, 500+pruned.Messages[0].ByteSize)
}

type stubCondenseLLM struct{ summary string }

func (s stubCondenseLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.summary, nil
}

func TestCondenseHistory_KeepsSystemAndLastThree(t *testing.T) {
	h := buildHistory(20)
	m := NewManager(Config{})

	condensed, stamped, err := m.CondenseHistory(context.Background(), stubCondenseLLM{summary: "brief recap"}, h)
	require.NoError(t, err)
	require.NoError(t, condensed.CheckInvariants())
	assert.True(t, stamped)

	assert.Equal(t, models.RoleSystem, condensed.Messages[0].Role)
	assert.Contains(t, condensed.Messages[1].Content, "[Context Summary]:")
	assert.Len(t, condensed.Messages, 1+1+3)
}

func TestCondenseHistory_NoOpWhenShort(t *testing.T) {
	h := buildHistory(2)
	m := NewManager(Config{})

	condensed, stamped, err := m.CondenseHistory(context.Background(), stubCondenseLLM{summary: "x"}, h)
	require.NoError(t, err)
	assert.False(t, stamped)
	assert.Equal(t, len(h.Messages), len(condensed.Messages))
}

func TestPreflightCheck_WarnsNearThreshold(t *testing.T) {
	h := buildHistory(40)
	m := NewManager(Config{MaxTokens: 100, CondenseThreshold: 0.5})

	warnings := m.PreflightCheck(h)
	assert.NotEmpty(t, warnings)
}
