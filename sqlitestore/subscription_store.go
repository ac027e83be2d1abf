package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nickmkk/Platibus/subscription"
)

// SubscriptionStore is the durable subscription.Store.
type SubscriptionStore struct {
	db *sql.DB
}

// NewSubscriptionStore creates a subscription store over an open database.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db.db}
}

// Upsert implements subscription.Store.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Subscriptions (TopicName, Subscriber, Expires)
		VALUES (?, ?, ?)
		ON CONFLICT (TopicName, Subscriber) DO UPDATE SET Expires = excluded.Expires`,
		sub.Topic, sub.Subscriber, sub.Expires.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

// Delete implements subscription.Store.
func (s *SubscriptionStore) Delete(ctx context.Context, topic, subscriber string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM Subscriptions WHERE TopicName = ? AND Subscriber = ?`, topic, subscriber)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// All implements subscription.Store.
func (s *SubscriptionStore) All(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT TopicName, Subscriber, Expires FROM Subscriptions ORDER BY TopicName, Subscriber`)
	if err != nil {
		return nil, fmt.Errorf("selecting subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		var (
			sub subscription.Subscription
			raw string
		)
		if err := rows.Scan(&sub.Topic, &sub.Subscriber, &raw); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		expires, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing subscription expiry: %w", err)
		}
		sub.Expires = expires
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteExpired implements subscription.Store.
func (s *SubscriptionStore) DeleteExpired(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM Subscriptions WHERE Expires <= ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("deleting expired subscriptions: %w", err)
	}
	return nil
}
