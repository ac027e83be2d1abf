package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nickmkk/Platibus/message"
)

// ErrRowNotFound indicates an operation on a row id the store does not hold.
var ErrRowNotFound = errors.New("queued message row not found")

// MemoryStore keeps queue rows in process memory. It backs non-durable
// queues and tests; rows do not survive restart.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[Name]map[int64]*QueuedMessage
}

// NewMemoryStore creates an empty in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Name]map[int64]*QueuedMessage)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, queue Name, msg message.Message) (QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := &QueuedMessage{ID: s.nextID, Queue: queue, Message: msg}
	byID, ok := s.rows[queue]
	if !ok {
		byID = make(map[int64]*QueuedMessage)
		s.rows[queue] = byID
	}
	byID[row.ID] = row
	return *row, nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(_ context.Context, queue Name) ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedMessage
	for _, row := range s.rows[queue] {
		if row.Pending() {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAttempts implements Store.
func (s *MemoryStore) UpdateAttempts(_ context.Context, queue Name, id int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[queue][id]
	if !ok {
		return ErrRowNotFound
	}
	row.Attempts = attempts
	return nil
}

// Acknowledge implements Store.
func (s *MemoryStore) Acknowledge(_ context.Context, queue Name, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[queue][id]; !ok {
		return ErrRowNotFound
	}
	delete(s.rows[queue], id)
	return nil
}

// Abandon implements Store.
func (s *MemoryStore) Abandon(_ context.Context, queue Name, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[queue][id]
	if !ok {
		return ErrRowNotFound
	}
	row.Abandoned = at
	return nil
}

// Row returns a copy of a row regardless of state, for inspection in tests
// and forensic reads.
func (s *MemoryStore) Row(queue Name, id int64) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[queue][id]
	if !ok {
		return QueuedMessage{}, false
	}
	return *row, true
}

// Rows returns copies of every row held for a queue, in insertion order.
func (s *MemoryStore) Rows(queue Name) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedMessage
	for _, row := range s.rows[queue] {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
