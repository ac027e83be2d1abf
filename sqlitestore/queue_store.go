package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
)

// QueueStore is the durable queue.Store. Row identity is the SQLite rowid,
// which is monotonic within the table and therefore preserves insertion
// order per queue.
type QueueStore struct {
	db     *sql.DB
	sink   diagnostics.Sink
	logger *slog.Logger
}

// QueueStoreOption configures a QueueStore.
type QueueStoreOption func(*QueueStore)

// WithQueueStoreSink supplies the diagnostic sink used to report rows whose
// persisted headers can no longer be parsed.
func WithQueueStoreSink(sink diagnostics.Sink) QueueStoreOption {
	return func(s *QueueStore) { s.sink = sink }
}

// WithQueueStoreLogger supplies the structured logger.
func WithQueueStoreLogger(logger *slog.Logger) QueueStoreOption {
	return func(s *QueueStore) { s.logger = logger }
}

// NewQueueStore creates a queue store over an open database.
func NewQueueStore(db *DB, opts ...QueueStoreOption) *QueueStore {
	s := &QueueStore{db: db.db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert implements queue.Store.
func (s *QueueStore) Insert(ctx context.Context, q queue.Name, msg message.Message) (queue.QueuedMessage, error) {
	h := msg.Headers()
	var expires string
	if exp := h.Expires(); !exp.IsZero() {
		expires = exp.UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO QueuedMessages
			(MessageId, QueueName, MessageName, Origination, Destination, ReplyTo, Expires, ContentType, Headers, Content, Attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		h.MessageID(), string(q), h.MessageName(), h.Origination(), h.Destination(), h.ReplyTo(),
		expires, h.ContentType(), message.EncodeHeaders(h), msg.Content(),
	)
	if err != nil {
		return queue.QueuedMessage{}, fmt.Errorf("inserting queued message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return queue.QueuedMessage{}, fmt.Errorf("reading inserted row id: %w", err)
	}
	return queue.QueuedMessage{ID: id, Queue: q, Message: msg}, nil
}

// Pending implements queue.Store. Rows whose header blob no longer parses
// are marked abandoned in place and reported as dead letters; they are
// never dispatched.
func (s *QueueStore) Pending(ctx context.Context, q queue.Name) ([]queue.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, MessageId, Headers, Content, Attempts
		FROM QueuedMessages
		WHERE QueueName = ? AND Acknowledged IS NULL AND Abandoned IS NULL
		ORDER BY rowid`, string(q))
	if err != nil {
		return nil, fmt.Errorf("selecting pending messages: %w", err)
	}
	defer rows.Close()

	var (
		out       []queue.QueuedMessage
		corrupted []int64
	)
	for rows.Next() {
		var (
			id        int64
			messageID string
			headers   string
			content   []byte
			attempts  int
		)
		if err := rows.Scan(&id, &messageID, &headers, &content, &attempts); err != nil {
			return nil, fmt.Errorf("scanning pending message: %w", err)
		}
		h, err := message.DecodeHeaderString(headers)
		if err != nil {
			s.logger.Error("queued message has unreadable headers; abandoning",
				"queue", string(q), "messageId", messageID, "error", err)
			corrupted = append(corrupted, id)
			diagnostics.Emit(ctx, s.sink, diagnostics.Event{
				Type:      diagnostics.EventDeadLetter,
				Source:    "sqlitestore",
				Queue:     string(q),
				MessageID: messageID,
				Err:       err,
			})
			continue
		}
		out = append(out, queue.QueuedMessage{
			ID:       id,
			Queue:    q,
			Message:  message.New(h, content),
			Attempts: attempts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending messages: %w", err)
	}
	for _, id := range corrupted {
		if err := s.Abandon(ctx, q, id, time.Now()); err != nil {
			s.logger.Error("failed to abandon unreadable row", "rowid", id, "error", err)
		}
	}
	return out, nil
}

// UpdateAttempts implements queue.Store.
func (s *QueueStore) UpdateAttempts(ctx context.Context, q queue.Name, id int64, attempts int) error {
	return s.exec(ctx, `UPDATE QueuedMessages SET Attempts = ? WHERE rowid = ? AND QueueName = ?`,
		attempts, id, string(q))
}

// Acknowledge implements queue.Store.
func (s *QueueStore) Acknowledge(ctx context.Context, q queue.Name, id int64) error {
	return s.exec(ctx, `DELETE FROM QueuedMessages WHERE rowid = ? AND QueueName = ?`, id, string(q))
}

// Abandon implements queue.Store.
func (s *QueueStore) Abandon(ctx context.Context, q queue.Name, id int64, at time.Time) error {
	return s.exec(ctx, `UPDATE QueuedMessages SET Abandoned = ? WHERE rowid = ? AND QueueName = ?`,
		at.UTC().Format(timeLayout), id, string(q))
}

func (s *QueueStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing %q: %w", strings.Fields(query)[0], err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrRowNotFound
	}
	return nil
}

// Abandoned returns the abandoned rows of a queue, oldest first, for
// forensic reads.
func (s *QueueStore) Abandoned(ctx context.Context, q queue.Name) ([]queue.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, Headers, Content, Attempts, Abandoned
		FROM QueuedMessages
		WHERE QueueName = ? AND Abandoned IS NOT NULL
		ORDER BY rowid`, string(q))
	if err != nil {
		return nil, fmt.Errorf("selecting abandoned messages: %w", err)
	}
	defer rows.Close()

	var out []queue.QueuedMessage
	for rows.Next() {
		var (
			id        int64
			headers   string
			content   []byte
			attempts  int
			abandoned sql.NullString
		)
		if err := rows.Scan(&id, &headers, &content, &attempts, &abandoned); err != nil {
			return nil, fmt.Errorf("scanning abandoned message: %w", err)
		}
		qm := queue.QueuedMessage{ID: id, Queue: q, Attempts: attempts}
		if raw, ok := nullableTime(abandoned); ok {
			at, err := time.Parse(timeLayout, raw)
			if err != nil {
				return nil, fmt.Errorf("parsing abandoned timestamp: %w", err)
			}
			qm.Abandoned = at
		}
		if h, err := message.DecodeHeaderString(headers); err == nil {
			qm.Message = message.New(h, content)
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}
