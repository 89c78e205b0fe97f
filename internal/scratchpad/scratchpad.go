// Package scratchpad implements the shared working-memory store the step
// engine and spawned workers write observations, coordination markers, and
// notes to between LLM calls.
package scratchpad

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of a non-persistent entry when none is given.
const DefaultTTL = time.Hour

// Size-gate thresholds, in characters of combined entry content. WarnChars
// triggers a single status note; CriticalChars triggers consolidation.
const (
	WarnChars     = 8000
	CriticalChars = 12000
)

// Entry is one note in the scratchpad.
type Entry struct {
	ID         string
	Timestamp  time.Time
	Content    string
	TTL        time.Duration
	Tags       []string
	Persistent bool
}

func (e Entry) expiresAt() time.Time {
	if e.Persistent {
		return time.Time{}
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return e.Timestamp.Add(ttl)
}

func (e Entry) expired(now time.Time) bool {
	if e.Persistent {
		return false
	}
	exp := e.expiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Store is a concurrency-safe collection of Entry values. Readers take a
// shared lock; writers (Write, Reap, Consolidate) take it exclusively so
// appends never interleave.
type Store struct {
	mu      sync.RWMutex
	entries []Entry

	lastWarnHash string
}

// New returns an empty scratchpad.
func New() *Store {
	return &Store{}
}

// WriteOptions configures a single Write call.
type WriteOptions struct {
	TTL        time.Duration
	Tags       []string
	Persistent bool
}

// Write appends a new entry and returns it. The caller decides persistence
// and TTL; defaults apply when opts is the zero value.
func (s *Store) Write(content string, opts WriteOptions) Entry {
	entry := Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Content:    content,
		TTL:        opts.TTL,
		Tags:       opts.Tags,
		Persistent: opts.Persistent,
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	return entry
}

// Entries returns a snapshot of all non-expired entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// ByTag returns non-expired entries carrying the given tag, oldest first.
func (s *Store) ByTag(tag string) []Entry {
	all := s.Entries()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		for _, t := range e.Tags {
			if t == tag {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Reap removes expired, non-persistent entries. Returns the count removed.
// The step engine calls this periodically (every Nth iteration); it is not
// triggered by reads so concurrent readers never see a partial view.
func (s *Store) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.entries[:0:0]
	removed := 0
	for _, e := range s.entries {
		if e.expired(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// TotalChars sums Content length across all non-expired entries. Used by
// the step engine's size-gate check ahead of every context preparation.
func (s *Store) TotalChars() int {
	total := 0
	for _, e := range s.Entries() {
		total += len(e.Content)
	}
	return total
}

// GateLevel classifies the current scratchpad size against the warn and
// critical thresholds.
type GateLevel int

const (
	GateOK GateLevel = iota
	GateWarn
	GateCritical
)

// CheckGate reports the current size-gate level. When it returns GateWarn,
// the caller should emit one status note — but only once per distinct
// total-char count, so a stable-but-large scratchpad does not spam the same
// warning every iteration. CheckGate itself decides suppression by hashing
// the byte count; call it at most once per step.
func (s *Store) CheckGate() GateLevel {
	chars := s.TotalChars()
	switch {
	case chars >= CriticalChars:
		return GateCritical
	case chars >= WarnChars:
		key := warnKey(chars)
		s.mu.Lock()
		duplicate := s.lastWarnHash == key
		s.lastWarnHash = key
		s.mu.Unlock()
		if duplicate {
			return GateOK
		}
		return GateWarn
	default:
		s.mu.Lock()
		s.lastWarnHash = ""
		s.mu.Unlock()
		return GateOK
	}
}

func warnKey(chars int) string {
	// Bucket by hundreds so a handful of bytes added by an unrelated
	// entry doesn't re-trigger the same warning.
	bucket := chars / 100
	return strconv.Itoa(bucket)
}

// Consolidate collapses all non-persistent, non-tagged-"pinned" entries
// into a single summarized entry produced by summarize, keeping persistent
// entries untouched. Called when CheckGate reports GateCritical.
func (s *Store) Consolidate(summarize func([]Entry) string) Entry {
	s.mu.Lock()
	var toCollapse []Entry
	var kept []Entry
	for _, e := range s.entries {
		if e.Persistent {
			kept = append(kept, e)
			continue
		}
		toCollapse = append(toCollapse, e)
	}
	s.mu.Unlock()

	sort.Slice(toCollapse, func(i, j int) bool {
		return toCollapse[i].Timestamp.Before(toCollapse[j].Timestamp)
	})

	summary := Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Content:   summarize(toCollapse),
		Tags:      []string{"consolidated"},
	}

	s.mu.Lock()
	s.entries = append(append([]Entry{}, kept...), summary)
	s.lastWarnHash = ""
	s.mu.Unlock()

	return summary
}
