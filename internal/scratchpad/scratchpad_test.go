package scratchpad

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteAndEntries(t *testing.T) {
	s := New()
	s.Write("hello", WriteOptions{})
	s.Write("world", WriteOptions{Persistent: true, Tags: []string{"pinned"}})

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, "world", entries[1].Content)
}

func TestStore_Reap_RemovesExpiredNonPersistent(t *testing.T) {
	s := New()
	s.Write("expires fast", WriteOptions{TTL: time.Millisecond})
	s.Write("kept forever", WriteOptions{Persistent: true})

	time.Sleep(5 * time.Millisecond)

	removed := s.Reap()
	assert.Equal(t, 1, removed)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept forever", entries[0].Content)
}

func TestStore_ByTag(t *testing.T) {
	s := New()
	s.Write("a", WriteOptions{Tags: []string{"coordination"}})
	s.Write("b", WriteOptions{Tags: []string{"note"}})

	tagged := s.ByTag("coordination")
	require.Len(t, tagged, 1)
	assert.Equal(t, "a", tagged[0].Content)
}

func TestStore_CheckGate_Thresholds(t *testing.T) {
	s := New()
	assert.Equal(t, GateOK, s.CheckGate())

	s.Write(strings.Repeat("x", WarnChars+10), WriteOptions{})
	assert.Equal(t, GateWarn, s.CheckGate())
	// same total char count again: suppressed until it actually changes
	assert.Equal(t, GateOK, s.CheckGate())

	s.Write(strings.Repeat("y", CriticalChars), WriteOptions{})
	assert.Equal(t, GateCritical, s.CheckGate())
}

func TestStore_Consolidate_KeepsPersistentDropsRest(t *testing.T) {
	s := New()
	s.Write("note 1", WriteOptions{})
	s.Write("note 2", WriteOptions{})
	s.Write("pinned note", WriteOptions{Persistent: true})

	summary := s.Consolidate(func(collapsed []Entry) string {
		require.Len(t, collapsed, 2)
		return "summary of 2 entries"
	})

	entries := s.Entries()
	require.Len(t, entries, 2)
	var sawPinned, sawSummary bool
	for _, e := range entries {
		if e.Content == "pinned note" {
			sawPinned = true
		}
		if e.ID == summary.ID {
			sawSummary = true
			assert.Equal(t, "summary of 2 entries", e.Content)
		}
	}
	assert.True(t, sawPinned)
	assert.True(t, sawSummary)
}
