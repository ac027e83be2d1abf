package queue

import (
	"context"
	"time"

	"github.com/nickmkk/Platibus/message"
)

// Name identifies a queue.
type Name string

// QueuedMessage is one persisted queue row. A row with neither Acknowledged
// nor Abandoned set is pending; pending rows survive process restart in
// durable stores. The identity captured at enqueue time travels in the
// message's SecurityToken header, not as a separate column.
type QueuedMessage struct {
	// ID is the store-assigned monotonic row identity; pending rows are
	// selected in ID order.
	ID int64

	Queue    Name
	Message  message.Message
	Attempts int

	// Acknowledged and Abandoned are mutually exclusive terminal
	// timestamps; the zero time means unset.
	Acknowledged time.Time
	Abandoned    time.Time
}

// Pending reports whether the row is still awaiting a terminal outcome.
func (qm QueuedMessage) Pending() bool {
	return qm.Acknowledged.IsZero() && qm.Abandoned.IsZero()
}

// Store persists queue rows. Each queue exclusively owns its row set.
// Implementations must assign strictly increasing IDs within a queue and
// perform each operation atomically.
type Store interface {
	// Insert persists a new pending row with zero attempts and returns it.
	Insert(ctx context.Context, queue Name, msg message.Message) (QueuedMessage, error)

	// Pending returns the pending rows of a queue in insertion order.
	Pending(ctx context.Context, queue Name) ([]QueuedMessage, error)

	// UpdateAttempts records the attempt counter for a row.
	UpdateAttempts(ctx context.Context, queue Name, id int64, attempts int) error

	// Acknowledge deletes a row after successful hand-off.
	Acknowledge(ctx context.Context, queue Name, id int64) error

	// Abandon marks a row as dead-lettered at the given instant. The row
	// is retained for forensic reads.
	Abandon(ctx context.Context, queue Name, id int64, at time.Time) error
}
