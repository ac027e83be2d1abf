package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/security"
)

// Manager creates and tracks the queues of a bus instance. Non-durable
// queues share an in-memory store; durable queues use the configured
// durable store.
type Manager struct {
	transientStore Store
	durableStore   Store
	tokens         security.TokenService
	sink           diagnostics.Sink
	logger         *slog.Logger

	mu     sync.Mutex
	queues map[Name]*Queue
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDurableStore supplies the store backing durable queues.
func WithDurableStore(store Store) ManagerOption {
	return func(m *Manager) { m.durableStore = store }
}

// WithTokenService supplies the token service used to capture principals at
// enqueue time.
func WithTokenService(tokens security.TokenService) ManagerOption {
	return func(m *Manager) { m.tokens = tokens }
}

// WithSink supplies the diagnostic event sink.
func WithSink(sink diagnostics.Sink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a queue manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		transientStore: NewMemoryStore(),
		tokens:         security.NoopTokenService{},
		logger:         slog.Default(),
		queues:         make(map[Name]*Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create initializes a queue, loading and re-dispatching any pending rows
// from the backing store with their attempt counters preserved. Create is
// idempotent: a second call with an existing name returns the existing
// queue untouched.
func (m *Manager) Create(ctx context.Context, name Name, listener Listener, opts Options) (*Queue, error) {
	if name == "" {
		return nil, ErrQueueNameRequired
	}
	if listener == nil {
		return nil, ErrListenerRequired
	}
	opts = opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queues[name]; ok {
		return existing, nil
	}

	store := m.transientStore
	if opts.Durable {
		if m.durableStore == nil {
			return nil, ErrNoDurableStore
		}
		store = m.durableStore
	}

	q := newQueue(name, listener, opts, store, m.tokens, m.sink, m.logger)
	if err := q.start(ctx); err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Get returns a previously created queue.
func (m *Manager) Get(name Name) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// Close stops every queue. The first error encountered is returned, but all
// queues are closed regardless.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[Name]*Queue)
	m.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
