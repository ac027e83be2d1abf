package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry is the subscription tracking service. Reads are served from an
// in-memory cache grouped by topic; every mutation writes through to the
// backing store first, then updates the cache under a per-topic lock. The
// read path is lock-free: each topic group publishes an immutable snapshot.
type Registry struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex // guards the topics map itself
	topics map[string]*topicGroup
}

// topicGroup holds the cached subscribers of one topic. Mutations serialize
// on mu and replace the snapshot; readers only load the snapshot.
type topicGroup struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]time.Time] // subscriber -> expires
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger supplies the structured logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = now }
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
		topics: make(map[string]*topicGroup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init rebuilds the cache from a full scan of the backing store.
func (r *Registry) Init(ctx context.Context) error {
	subs, err := r.store.All(ctx)
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}
	grouped := make(map[string]map[string]time.Time)
	for _, sub := range subs {
		byTopic, ok := grouped[sub.Topic]
		if !ok {
			byTopic = make(map[string]time.Time)
			grouped[sub.Topic] = byTopic
		}
		byTopic[sub.Subscriber] = sub.Expires
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string]*topicGroup, len(grouped))
	for topic, members := range grouped {
		g := &topicGroup{}
		m := members
		g.snapshot.Store(&m)
		r.topics[topic] = g
	}
	return nil
}

func (r *Registry) group(topic string) *topicGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.topics[topic]
	if !ok {
		g = &topicGroup{}
		empty := map[string]time.Time{}
		g.snapshot.Store(&empty)
		r.topics[topic] = g
	}
	return g
}

// Add registers or refreshes a subscription. A TTL of zero or less means
// the subscription never expires.
func (r *Registry) Add(ctx context.Context, topic, subscriber string, ttl time.Duration) error {
	if topic == "" {
		return ErrTopicRequired
	}
	if subscriber == "" {
		return ErrSubscriberRequired
	}
	expires := NeverExpires
	if ttl > 0 {
		expires = r.clock().Add(ttl)
	}
	sub := Subscription{Topic: topic, Subscriber: subscriber, Expires: expires}

	g := r.group(topic)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := r.store.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("storing subscription: %w", err)
	}
	g.replace(func(members map[string]time.Time) {
		members[subscriber] = expires
	})
	return nil
}

// Remove deletes a subscription.
func (r *Registry) Remove(ctx context.Context, topic, subscriber string) error {
	if topic == "" {
		return ErrTopicRequired
	}
	if subscriber == "" {
		return ErrSubscriberRequired
	}
	g := r.group(topic)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := r.store.Delete(ctx, topic, subscriber); err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	g.replace(func(members map[string]time.Time) {
		delete(members, subscriber)
	})
	return nil
}

// Subscribers returns the unexpired subscriber URIs of a topic, sorted.
// Expired records are filtered here; they may linger in storage until the
// sweeper removes them.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.Lock()
	g, ok := r.topics[topic]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	members := *g.snapshot.Load()
	now := r.clock()
	out := make([]string, 0, len(members))
	for subscriber, expires := range members {
		if expires.After(now) {
			out = append(out, subscriber)
		}
	}
	sort.Strings(out)
	return out
}

// Topics returns the topics with at least one unexpired subscriber, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		names = append(names, topic)
	}
	r.mu.Unlock()

	out := names[:0]
	for _, topic := range names {
		if len(r.Subscribers(topic)) > 0 {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Prune deletes expired records from the store and drops them from the
// cache.
func (r *Registry) Prune(ctx context.Context) error {
	now := r.clock()
	if err := r.store.DeleteExpired(ctx, now); err != nil {
		return fmt.Errorf("pruning expired subscriptions: %w", err)
	}
	r.mu.Lock()
	groups := make(map[string]*topicGroup, len(r.topics))
	for topic, g := range r.topics {
		groups[topic] = g
	}
	r.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		g.replace(func(members map[string]time.Time) {
			for subscriber, expires := range members {
				if !expires.After(now) {
					delete(members, subscriber)
				}
			}
		})
		g.mu.Unlock()
	}
	return nil
}

// replace copies the current snapshot, applies mutate, and publishes the
// result. Callers must hold g.mu.
func (g *topicGroup) replace(mutate func(members map[string]time.Time)) {
	current := g.snapshot.Load()
	next := make(map[string]time.Time)
	if current != nil {
		for k, v := range *current {
			next[k] = v
		}
	}
	mutate(next)
	g.snapshot.Store(&next)
}
