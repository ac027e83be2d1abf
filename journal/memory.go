package journal

import (
	"context"
	"sync"
	"time"

	"github.com/nickmkk/Platibus/message"
)

// MemoryJournal is an in-memory Journal for non-durable configurations and
// tests.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	clock   func() time.Time
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{clock: time.Now}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, msg message.Message, category Category) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, Entry{
		Position:  PositionOf(int64(len(j.entries) + 1)),
		Timestamp: j.clock().UTC(),
		Category:  category,
		Message:   msg,
	})
	return nil
}

// Read implements Journal.
func (j *MemoryJournal) Read(_ context.Context, start Position, count int, filter *Filter) (ReadResult, error) {
	if count <= 0 {
		return ReadResult{}, ErrInvalidCount
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	result := ReadResult{Next: start}
	for _, entry := range j.entries {
		if entry.Position.Before(start) {
			continue
		}
		if !filter.Matches(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		result.Next = PositionOf(entry.Position.Int64() + 1)
		if len(result.Entries) == count {
			return result, nil
		}
	}
	result.EndOfJournal = true
	return result, nil
}

// Beginning implements Journal.
func (j *MemoryJournal) Beginning(_ context.Context) (Position, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.entries) == 0 {
		return Position{}, nil
	}
	return j.entries[0].Position, nil
}
