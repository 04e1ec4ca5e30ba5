// Package transcript accumulates the ordered utterances of a single call.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/aura-voice/callbridge/internal/models"
)

// Aggregator is an append-only transcript. Entries keep the order they were
// appended in; identical utterances are recorded as often as they arrive.
type Aggregator struct {
	mu      sync.Mutex
	entries []models.TranscriptEntry
	frozen  bool
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Append records an utterance. Empty text and anything appended after Freeze
// is ignored; the return value reports whether the entry was recorded.
func (a *Aggregator) Append(speaker models.Speaker, text string, at time.Time) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return false
	}
	a.entries = append(a.entries, models.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: at})
	return true
}

// Len returns the number of recorded entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Entries returns a copy of the entries recorded so far.
func (a *Aggregator) Entries() []models.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

// Freeze makes the transcript immutable and returns the final entries.
func (a *Aggregator) Freeze() []models.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = true
	return a.copyLocked()
}

// Frozen reports whether Freeze has been called.
func (a *Aggregator) Frozen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen
}

func (a *Aggregator) copyLocked() []models.TranscriptEntry {
	out := make([]models.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
