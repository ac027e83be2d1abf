package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redis layout: one hash per topic under <prefix><topic>, field = subscriber
// URI, value = RFC 3339 expiry.

const defaultKeyPrefix = "platibus:subscriptions:"

// RedisStore persists subscription records in Redis, one hash per topic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store over an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix}
}

// NewRedisStoreURL connects to Redis using a URL such as
// "redis://localhost:6379/0".
func NewRedisStoreURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) key(topic string) string {
	return s.prefix + topic
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, sub Subscription) error {
	value := sub.Expires.UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, s.key(sub.Topic), sub.Subscriber, value).Err(); err != nil {
		return fmt.Errorf("redis HSET: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, topic, subscriber string) error {
	if err := s.client.HDel(ctx, s.key(topic), subscriber).Err(); err != nil {
		return fmt.Errorf("redis HDEL: %w", err)
	}
	return nil
}

// All implements Store.
func (s *RedisStore) All(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		topic := strings.TrimPrefix(key, s.prefix)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis HGETALL %q: %w", key, err)
		}
		for subscriber, raw := range fields {
			expires, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("parsing expiry for %q on topic %q: %w", subscriber, topic, err)
			}
			out = append(out, Subscription{Topic: topic, Subscriber: subscriber, Expires: expires})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return out, nil
}

// DeleteExpired implements Store.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) error {
	subs, err := s.All(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.Expires.After(before) {
			if err := s.Delete(ctx, sub.Topic, sub.Subscriber); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
