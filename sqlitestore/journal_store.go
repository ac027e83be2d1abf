package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
)

// JournalStore is the durable journal.Journal. Position is the
// auto-incremented primary key, which strictly orders entries by insertion.
type JournalStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewJournalStore creates a journal store over an open database.
func NewJournalStore(db *DB) *JournalStore {
	return &JournalStore{db: db.db, clock: time.Now}
}

// Append implements journal.Journal.
func (s *JournalStore) Append(ctx context.Context, msg message.Message, category journal.Category) error {
	h := msg.Headers()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO MessageJournal (Timestamp, Category, Topic, Headers, Content)
		VALUES (?, ?, ?, ?, ?)`,
		s.clock().UTC().Format(timeLayout), string(category), h.Topic(),
		message.EncodeHeaders(h), msg.Content())
	if err != nil {
		return fmt.Errorf("appending journal entry: %w", err)
	}
	return nil
}

// Read implements journal.Journal.
func (s *JournalStore) Read(ctx context.Context, start journal.Position, count int, filter *journal.Filter) (journal.ReadResult, error) {
	if count <= 0 {
		return journal.ReadResult{}, journal.ErrInvalidCount
	}

	var (
		where = []string{"Position >= ?"}
		args  = []any{start.Int64()}
	)
	if filter != nil && len(filter.Categories) > 0 {
		marks := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			marks[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, "Category IN ("+strings.Join(marks, ", ")+")")
	}
	if filter != nil && len(filter.Topics) > 0 {
		marks := make([]string, len(filter.Topics))
		for i, t := range filter.Topics {
			marks[i] = "?"
			args = append(args, t)
		}
		where = append(where, "Topic IN ("+strings.Join(marks, ", ")+")")
	}
	// Fetch one row beyond the page to detect the end of the journal.
	args = append(args, count+1)

	query := `SELECT Position, Timestamp, Category, Headers, Content FROM MessageJournal WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY Position LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return journal.ReadResult{}, fmt.Errorf("reading journal: %w", err)
	}
	defer rows.Close()

	result := journal.ReadResult{Next: start}
	for rows.Next() {
		var (
			position  int64
			timestamp string
			category  string
			headers   string
			content   []byte
		)
		if err := rows.Scan(&position, &timestamp, &category, &headers, &content); err != nil {
			return journal.ReadResult{}, fmt.Errorf("scanning journal entry: %w", err)
		}
		if len(result.Entries) == count {
			// The extra row proves more entries exist.
			return result, nil
		}
		ts, err := time.Parse(timeLayout, timestamp)
		if err != nil {
			return journal.ReadResult{}, fmt.Errorf("parsing journal timestamp: %w", err)
		}
		h, err := message.DecodeHeaderString(headers)
		if err != nil {
			return journal.ReadResult{}, fmt.Errorf("decoding journal headers at position %d: %w", position, err)
		}
		result.Entries = append(result.Entries, journal.Entry{
			Position:  journal.PositionOf(position),
			Timestamp: ts,
			Category:  journal.Category(category),
			Message:   message.New(h, content),
		})
		result.Next = journal.PositionOf(position + 1)
	}
	if err := rows.Err(); err != nil {
		return journal.ReadResult{}, fmt.Errorf("iterating journal entries: %w", err)
	}
	result.EndOfJournal = true
	return result, nil
}

// Beginning implements journal.Journal.
func (s *JournalStore) Beginning(ctx context.Context) (journal.Position, error) {
	var min sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(Position) FROM MessageJournal`).Scan(&min); err != nil {
		return journal.Position{}, fmt.Errorf("reading journal beginning: %w", err)
	}
	if !min.Valid {
		return journal.Position{}, nil
	}
	return journal.PositionOf(min.Int64), nil
}
