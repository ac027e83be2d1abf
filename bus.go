// Package platibus wires the message model, queue engine, subscription
// registry, journal, and HTTP transport into a single bus facade. A bus is
// constructed with New, configured through options, initialized once with
// Init, and torn down with Shutdown.
package platibus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
	"github.com/nickmkk/Platibus/security"
	"github.com/nickmkk/Platibus/subscription"
	"github.com/nickmkk/Platibus/transport"
)

// componentName is the source recorded on diagnostic events.
const componentName = "bus"

// Bus is one Platibus instance: it sends and publishes outbound messages,
// receives inbound ones, and keeps remote subscriptions renewed.
type Bus struct {
	baseURI      string
	queues       *queue.Manager
	registry     *subscription.Registry
	journal      journal.Journal
	tokens       security.TokenService
	endpoints    *transport.Endpoints
	transport    *transport.HTTPTransport
	sink         diagnostics.Sink
	logger       *slog.Logger
	defaultTTL   time.Duration
	durableStore queue.Store
	outboundOpts queue.Options
	extraOpts    []transport.Option

	mu          sync.Mutex
	handlers    map[string]*handlerRegistration
	fallback    Handler
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithDurableStore supplies the store backing the outbound queue and any
// durable handler queues.
func WithDurableStore(store queue.Store) Option {
	return func(b *Bus) { b.durableStore = store }
}

// WithRegistry supplies the subscription registry. The default is an
// in-memory registry that forgets subscribers on restart.
func WithRegistry(registry *subscription.Registry) Option {
	return func(b *Bus) { b.registry = registry }
}

// WithJournal records Sent, Received, and Published messages.
func WithJournal(j journal.Journal) Option {
	return func(b *Bus) { b.journal = j }
}

// WithTokenService supplies the service carrying principals across queue
// persistence and the wire.
func WithTokenService(tokens security.TokenService) Option {
	return func(b *Bus) { b.tokens = tokens }
}

// WithEndpoints names the remote instances this bus talks to.
func WithEndpoints(endpoints *transport.Endpoints) Option {
	return func(b *Bus) { b.endpoints = endpoints }
}

// WithSink supplies the diagnostic event sink.
func WithSink(sink diagnostics.Sink) Option {
	return func(b *Bus) { b.sink = sink }
}

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithDefaultTTL stamps outbound messages without an Expires header to
// expire after d.
func WithDefaultTTL(d time.Duration) Option {
	return func(b *Bus) { b.defaultTTL = d }
}

// WithOutboundOptions tunes the outbound queue (retry delay, attempt cap,
// concurrency).
func WithOutboundOptions(opts queue.Options) Option {
	return func(b *Bus) { b.outboundOpts = opts }
}

// WithTransportOptions appends extra options to the underlying HTTP
// transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(b *Bus) { b.extraOpts = append(b.extraOpts, opts...) }
}

// New constructs a bus for the instance reachable at baseURI.
func New(baseURI string, opts ...Option) (*Bus, error) {
	if baseURI == "" {
		return nil, ErrBaseURIRequired
	}
	b := &Bus{
		baseURI:  baseURI,
		tokens:   security.NoopTokenService{},
		logger:   slog.Default(),
		handlers: make(map[string]*handlerRegistration),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", componentName)
	if b.registry == nil {
		b.registry = subscription.NewRegistry(subscription.NewMemoryStore(),
			subscription.WithRegistryLogger(b.logger))
	}

	b.queues = queue.NewManager(
		queue.WithDurableStore(b.durableStore),
		queue.WithTokenService(b.tokens),
		queue.WithSink(b.sink),
		queue.WithLogger(b.logger),
	)

	transportOpts := []transport.Option{
		transport.WithRegistry(b.registry),
		transport.WithJournal(b.journal),
		transport.WithEndpoints(b.endpoints),
		transport.WithTransportSink(b.sink),
		transport.WithTransportLogger(b.logger),
		transport.WithLocalDelivery(b.HandleIncoming),
	}
	transportOpts = append(transportOpts, b.extraOpts...)
	tr, err := transport.NewHTTPTransport(baseURI, transportOpts...)
	if err != nil {
		return nil, err
	}
	b.transport = tr
	return b, nil
}

// Handle registers a handler for messages whose MessageName equals name.
// Registrations backed by a queue must happen before Init.
func (b *Bus) Handle(name string, handler Handler, opts ...HandleOption) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	reg := &handlerRegistration{name: name, handler: handler}
	for _, opt := range opts {
		opt(reg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if reg.queueOpts != nil && b.initialized {
		return fmt.Errorf("%w: queue-backed handler %q", ErrAlreadyInitialized, name)
	}
	b.handlers[name] = reg
	return nil
}

// HandleFallback registers the handler invoked when no registration
// matches an inbound message's name.
func (b *Bus) HandleFallback(handler Handler) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = handler
	return nil
}

// Init rebuilds the subscription cache, creates the outbound queue, and
// creates the queues behind queue-backed handlers. Init must be called
// once before Send, Publish, Subscribe, or inbound dispatch.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return ErrAlreadyInitialized
	}

	if err := b.registry.Init(ctx); err != nil {
		return fmt.Errorf("initializing subscription registry: %w", err)
	}

	outboundOpts := b.outboundOpts
	outboundOpts.Durable = b.durableStore != nil
	outbound, err := b.queues.Create(ctx, transport.OutboundQueueName, b.transport, outboundOpts)
	if err != nil {
		return fmt.Errorf("creating outbound queue: %w", err)
	}
	b.transport.UseOutbound(outbound)

	for _, reg := range b.handlers {
		if reg.queueOpts == nil {
			continue
		}
		q, err := b.queues.Create(ctx, queue.Name("handler:"+reg.name),
			handlerListener{handler: reg.handler}, *reg.queueOpts)
		if err != nil {
			return fmt.Errorf("creating handler queue for %q: %w", reg.name, err)
		}
		reg.queue = q
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.initialized = true
	diagnostics.Emit(ctx, b.sink, diagnostics.Event{
		Type:   diagnostics.EventComponentInitialized,
		Source: componentName,
	})
	return nil
}

// HandleIncoming dispatches one inbound message: it is journaled as
// Received and routed by MessageName to its handler. Messages for
// queue-backed handlers are acknowledged as soon as they are enqueued;
// others are acknowledged when the handler returns nil. With no matching
// handler the message is rejected with ErrNotAcknowledged.
func (b *Bus) HandleIncoming(ctx context.Context, msg message.Message, principal *security.Principal) error {
	b.mu.Lock()
	initialized := b.initialized
	b.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	headers := msg.Headers()
	if headers.Received().IsZero() {
		headers.SetReceived(time.Now())
		msg = msg.WithHeaders(headers)
	}
	if b.journal != nil {
		if err := b.journal.Append(ctx, msg, journal.Received); err != nil {
			b.logger.Error("failed to journal received message", "messageId", msg.ID(), "error", err)
		}
	}

	b.mu.Lock()
	reg := b.handlers[headers.MessageName()]
	fallback := b.fallback
	b.mu.Unlock()

	switch {
	case reg != nil && reg.queue != nil:
		if err := reg.queue.Enqueue(ctx, msg, principal); err != nil {
			return fmt.Errorf("%w: enqueueing for handler %q: %w", ErrNotAcknowledged, reg.name, err)
		}
		return nil
	case reg != nil:
		if err := reg.handler.Handle(ctx, msg, principal); err != nil {
			return fmt.Errorf("%w: handler %q: %w", ErrNotAcknowledged, reg.name, err)
		}
		return nil
	case fallback != nil:
		if err := fallback.Handle(ctx, msg, principal); err != nil {
			return fmt.Errorf("%w: fallback handler: %w", ErrNotAcknowledged, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: no handler for message name %q", ErrNotAcknowledged, headers.MessageName())
	}
}

// HandleMessage adapts the bus to the HTTP server's handler interface.
func (b *Bus) HandleMessage(ctx context.Context, msg message.Message, principal *security.Principal) error {
	return b.HandleIncoming(ctx, msg, principal)
}

// Registry returns the subscription registry backing this bus.
func (b *Bus) Registry() *subscription.Registry { return b.registry }

// Journal returns the journal backing this bus, or nil.
func (b *Bus) Journal() journal.Journal { return b.journal }

// TokenService returns the token service backing this bus.
func (b *Bus) TokenService() security.TokenService { return b.tokens }

// Shutdown cancels subscription loops and closes every queue. In-flight
// handler invocations observe cancellation; pending durable rows are
// recovered on the next Init.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("subscription loops did not stop before shutdown deadline")
	}
	return b.queues.Close(ctx)
}
