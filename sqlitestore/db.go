// Package sqlitestore provides the durable SQLite backends for the queue,
// subscription, and journal stores. A single database file holds all three
// tables; the schema is migrated on open.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// timeLayout is the column format for timestamp values. Fractional seconds
// are zero-padded to a fixed width so that lexicographic comparison of
// stored UTC values matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS QueuedMessages (
	MessageId   TEXT NOT NULL,
	QueueName   TEXT NOT NULL,
	MessageName TEXT,
	Origination TEXT,
	Destination TEXT,
	ReplyTo     TEXT,
	Expires     TEXT,
	ContentType TEXT,
	Headers     TEXT NOT NULL,
	Content     BLOB,
	Acknowledged TEXT,
	Abandoned    TEXT,
	Attempts     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (MessageId, QueueName)
);
CREATE INDEX IF NOT EXISTS IX_QueuedMessages_QueueName ON QueuedMessages (QueueName);

CREATE TABLE IF NOT EXISTS Subscriptions (
	TopicName  TEXT NOT NULL,
	Subscriber TEXT NOT NULL,
	Expires    TEXT NOT NULL,
	PRIMARY KEY (TopicName, Subscriber)
);

CREATE TABLE IF NOT EXISTS MessageJournal (
	Position  INTEGER PRIMARY KEY AUTOINCREMENT,
	Timestamp TEXT NOT NULL,
	Category  TEXT NOT NULL,
	Topic     TEXT,
	Headers   TEXT NOT NULL,
	Content   BLOB
);
CREATE INDEX IF NOT EXISTS IX_MessageJournal_Category ON MessageJournal (Category);
CREATE INDEX IF NOT EXISTS IX_MessageJournal_Topic ON MessageJournal (Topic);
`

// DB wraps the shared SQLite handle used by the stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and migrates the
// schema. The connection pool is capped at a single writer; SQLite
// serializes writes anyway, and a single connection avoids SQLITE_BUSY
// under concurrent dispatch.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite database %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func nullableTime(s sql.NullString) (t string, ok bool) {
	if !s.Valid || s.String == "" {
		return "", false
	}
	return s.String, true
}
