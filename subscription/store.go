// Package subscription implements the durable registry of topic
// subscriptions: an expiry-filtered (topic, subscriber, expires) set with a
// read-through in-memory cache, pluggable backing stores, and an optional
// scheduled sweeper for expired rows.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTopicRequired indicates a mutation with an empty topic.
	ErrTopicRequired = errors.New("topic must not be empty")
	// ErrSubscriberRequired indicates a mutation with an empty subscriber
	// URI.
	ErrSubscriberRequired = errors.New("subscriber URI must not be empty")
)

// NeverExpires is the sentinel stored for subscriptions added with a
// non-positive TTL.
var NeverExpires = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Subscription is one durable (topic, subscriber, expires) record.
// Uniqueness is by (Topic, Subscriber); re-adding refreshes Expires.
type Subscription struct {
	Topic      string    `json:"topic"`
	Subscriber string    `json:"subscriber"`
	Expires    time.Time `json:"expires"`
}

// Expired reports whether the subscription has lapsed at the given instant.
func (s Subscription) Expired(now time.Time) bool {
	return !s.Expires.After(now)
}

// Store persists subscription records. The store is the source of truth;
// the registry's cache is rebuilt from All on startup.
type Store interface {
	// Upsert inserts or refreshes a record keyed by (Topic, Subscriber).
	Upsert(ctx context.Context, sub Subscription) error

	// Delete removes the record keyed by (topic, subscriber). Deleting an
	// absent record is not an error.
	Delete(ctx context.Context, topic, subscriber string) error

	// All returns every stored record, expired ones included.
	All(ctx context.Context) ([]Subscription, error)

	// DeleteExpired removes records whose Expires is at or before the
	// given instant.
	DeleteExpired(ctx context.Context, before time.Time) error
}

// MemoryStore keeps subscription records in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Subscription // key: topic + "\x00" + subscriber
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Subscription)}
}

func storeKey(topic, subscriber string) string {
	return topic + "\x00" + subscriber
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[storeKey(sub.Topic, sub.Subscriber)] = sub
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, topic, subscriber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, storeKey(topic, subscriber))
	return nil
}

// All implements Store.
func (s *MemoryStore) All(_ context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.rows))
	for _, sub := range s.rows {
		out = append(out, sub)
	}
	return out, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sub := range s.rows {
		if !sub.Expires.After(before) {
			delete(s.rows, key)
		}
	}
	return nil
}
