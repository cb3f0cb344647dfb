package audio

import (
	"sync"
	"time"
)

// CommandLogEntry is one recognized command.
type CommandLogEntry struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandLog is a capped, append-only history of recognized commands.
type CommandLog struct {
	mu      sync.RWMutex
	entries []CommandLogEntry
	max     int
}

// NewCommandLog creates a log holding at most max entries.
func NewCommandLog(max int) *CommandLog {
	if max <= 0 {
		max = 100
	}
	return &CommandLog{entries: make([]CommandLogEntry, 0, max), max: max}
}

// Append adds an entry, evicting the oldest when full.
func (l *CommandLog) Append(e CommandLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[1:]
	}
}

// Entries returns a copy, oldest first.
func (l *CommandLog) Entries() []CommandLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]CommandLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *CommandLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
