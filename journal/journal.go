// Package journal implements the append-only message journal: an ordered
// log of sent, received, and published messages with repeatable, filtered,
// paginated reads from a replayable position.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nickmkk/Platibus/message"
)

// Category classifies a journal entry.
type Category string

const (
	// Sent records an outbound delivery.
	Sent Category = "Sent"
	// Received records an inbound message.
	Received Category = "Received"
	// Published records a publication to a topic.
	Published Category = "Published"
)

var (
	// ErrInvalidPosition indicates a position token that does not parse.
	ErrInvalidPosition = errors.New("invalid journal position")
	// ErrInvalidCount indicates a read with a non-positive count.
	ErrInvalidCount = errors.New("read count must be positive")
)

// Position is an opaque token identifying a journal entry. Positions
// totally order entries: for entries appended A before B,
// A.Position < B.Position. The zero Position is the beginning of an empty
// journal.
type Position struct {
	v int64
}

// PositionOf builds a position from its ordinal. Intended for stores.
func PositionOf(v int64) Position { return Position{v: v} }

// String renders the position as an opaque token.
func (p Position) String() string { return strconv.FormatInt(p.v, 10) }

// Int64 returns the ordinal backing the position. Intended for stores.
func (p Position) Int64() int64 { return p.v }

// Before reports whether p orders strictly before other.
func (p Position) Before(other Position) bool { return p.v < other.v }

// ParsePosition reopens a position from its token form, as produced by
// String.
func ParsePosition(token string) (Position, error) {
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, token)
	}
	return Position{v: v}, nil
}

// Entry is one journal record.
type Entry struct {
	Position  Position
	Timestamp time.Time
	Category  Category
	Message   message.Message
}

// Filter restricts a read. Empty slices match everything; when both fields
// are set they combine conjunctively.
type Filter struct {
	Categories []Category
	Topics     []string
}

// Matches reports whether an entry passes the filter. A nil filter matches
// everything.
func (f *Filter) Matches(e Entry) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if c == e.Category {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Topics) > 0 {
		topic := e.Message.Headers().Topic()
		ok := false
		for _, t := range f.Topics {
			if t == topic {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ReadResult is one page of journal entries. Next is the position to pass
// to continue the read; EndOfJournal is true when fewer than count entries
// were available.
type ReadResult struct {
	Entries      []Entry
	Next         Position
	EndOfJournal bool
}

// Journal is the append-only message log. Reads are repeatable: identical
// (start, count, filter) arguments yield identical results.
type Journal interface {
	// Append writes one entry with a freshly allocated position.
	Append(ctx context.Context, msg message.Message, category Category) error

	// Read returns up to count entries matching filter, beginning at
	// start.
	Read(ctx context.Context, start Position, count int, filter *Filter) (ReadResult, error)

	// Beginning returns the earliest valid position.
	Beginning(ctx context.Context) (Position, error)
}
