// Package transport implements wire delivery between bus instances over
// HTTP: direct sends, publish fan-out to subscribers, an outbound queue
// listener for critical messages, and the subscription renewal loop.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
	"github.com/nickmkk/Platibus/security"
	"github.com/nickmkk/Platibus/subscription"
)

// OutboundQueueName is the distinguished queue carrying critical outbound
// messages until they are delivered.
const OutboundQueueName queue.Name = "Outbound"

// componentName is the source recorded on diagnostic events.
const componentName = "transport"

// LocalDelivery receives messages whose destination is this instance,
// bypassing the network loop.
type LocalDelivery func(ctx context.Context, msg message.Message, principal *security.Principal) error

// HTTPTransport delivers messages to remote bus instances. One pooled
// client is kept per destination origin.
type HTTPTransport struct {
	baseURI   *url.URL
	endpoints *Endpoints
	registry  *subscription.Registry
	journal   journal.Journal
	local     LocalDelivery
	sink      diagnostics.Sink
	logger    *slog.Logger
	timeout   time.Duration

	retryInterval time.Duration // between failed subscription requests
	minRenewal    time.Duration // floor on the renewal interval
	clock         func() time.Time

	outboundMu sync.Mutex
	outbound   *queue.Queue

	clientMu sync.Mutex
	clients  map[string]*http.Client
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithEndpoints supplies the named endpoint set used for credential lookup
// and subscription targets.
func WithEndpoints(endpoints *Endpoints) Option {
	return func(t *HTTPTransport) { t.endpoints = endpoints }
}

// WithRegistry supplies the subscription registry consulted by Publish.
func WithRegistry(registry *subscription.Registry) Option {
	return func(t *HTTPTransport) { t.registry = registry }
}

// WithJournal supplies the journal recording Sent and Published entries.
func WithJournal(j journal.Journal) Option {
	return func(t *HTTPTransport) { t.journal = j }
}

// WithLocalDelivery supplies the handler for messages addressed to this
// instance's own base URI.
func WithLocalDelivery(local LocalDelivery) Option {
	return func(t *HTTPTransport) { t.local = local }
}

// WithTransportSink supplies the diagnostic event sink.
func WithTransportSink(sink diagnostics.Sink) Option {
	return func(t *HTTPTransport) { t.sink = sink }
}

// WithTransportLogger supplies the structured logger.
func WithTransportLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithTimeout bounds each HTTP request. The default is 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(t *HTTPTransport) { t.timeout = timeout }
}

// WithRetryInterval sets the pause between failed subscription requests.
// The default is 30 seconds.
func WithRetryInterval(interval time.Duration) Option {
	return func(t *HTTPTransport) { t.retryInterval = interval }
}

// NewHTTPTransport creates a transport for the instance listening at
// baseURI.
func NewHTTPTransport(baseURI string, opts ...Option) (*HTTPTransport, error) {
	base, err := url.Parse(baseURI)
	if err != nil {
		return nil, fmt.Errorf("parsing base URI %q: %w", baseURI, err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base URI %q is not absolute", baseURI)
	}
	t := &HTTPTransport{
		baseURI:       base,
		logger:        slog.Default(),
		timeout:       30 * time.Second,
		retryInterval: 30 * time.Second,
		minRenewal:    5 * time.Second,
		clock:         time.Now,
		clients:       make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", componentName)
	return t, nil
}

// BaseURI returns this instance's own address.
func (t *HTTPTransport) BaseURI() *url.URL { return t.baseURI }

// UseOutbound attaches the durable queue that carries critical messages.
// The transport itself is the queue's listener; the bus creates the queue
// and hands it back here.
func (t *HTTPTransport) UseOutbound(q *queue.Queue) {
	t.outboundMu.Lock()
	defer t.outboundMu.Unlock()
	t.outbound = q
}

func (t *HTTPTransport) outboundQueue() *queue.Queue {
	t.outboundMu.Lock()
	defer t.outboundMu.Unlock()
	return t.outbound
}

// Send routes one message to its Destination. Critical messages are staged
// on the outbound queue and survive a crash; others are delivered inline
// and the first failure is returned to the caller.
func (t *HTTPTransport) Send(ctx context.Context, msg message.Message, principal *security.Principal) error {
	if msg.Headers().Destination() == "" {
		return ErrDestinationRequired
	}
	if msg.Headers().Importance() == message.Critical {
		if q := t.outboundQueue(); q != nil {
			return q.Enqueue(ctx, msg, principal)
		}
		t.logger.Warn("no outbound queue attached; delivering critical message inline",
			"messageId", msg.ID())
	}
	return t.Deliver(ctx, msg, principal)
}

// Publish fans one message out to every current subscriber of topic. Each
// subscriber receives its own copy with a fresh MessageId and its own
// Destination; one subscriber's failure does not stop the others, and the
// failures are joined into the returned error.
func (t *HTTPTransport) Publish(ctx context.Context, msg message.Message, topic string, principal *security.Principal) error {
	headers := msg.Headers()
	headers.SetTopic(topic)
	if headers.Published().IsZero() {
		headers.SetPublished(t.clock())
	}
	published := msg.WithHeaders(headers)

	if t.journal != nil {
		if err := t.journal.Append(ctx, published, journal.Published); err != nil {
			t.logger.Error("failed to journal publication", "topic", topic, "error", err)
		}
	}

	var subscribers []string
	if t.registry != nil {
		subscribers = t.registry.Subscribers(topic)
	}
	if len(subscribers) == 0 {
		t.logger.Debug("no subscribers for topic", "topic", topic)
		return nil
	}

	var errs []error
	for _, subscriber := range subscribers {
		h := published.Headers()
		h.SetMessageID(message.NewMessageID())
		h.SetDestination(subscriber)
		clone := published.WithHeaders(h)

		var err error
		if clone.Headers().Importance() == message.Critical {
			if q := t.outboundQueue(); q != nil {
				err = q.Enqueue(ctx, clone, principal)
			} else {
				err = t.Deliver(ctx, clone, principal)
			}
		} else {
			err = t.Deliver(ctx, clone, principal)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publishing to %s: %w", subscriber, err))
		}
	}
	return errors.Join(errs...)
}

// Deliver performs one wire delivery: the message is journaled as Sent,
// handed to the local receiver when addressed to this instance, and
// otherwise POSTed to the destination's message resource.
func (t *HTTPTransport) Deliver(ctx context.Context, msg message.Message, principal *security.Principal) error {
	headers := msg.Headers()
	dest := headers.Destination()
	if dest == "" {
		return ErrDestinationRequired
	}
	destURI, err := url.Parse(dest)
	if err != nil {
		return fmt.Errorf("parsing destination %q: %w", dest, err)
	}

	if t.journal != nil {
		if err := t.journal.Append(ctx, msg, journal.Sent); err != nil {
			t.logger.Error("failed to journal sent message", "messageId", msg.ID(), "error", err)
		}
	}

	if sameOrigin(destURI, t.baseURI) && t.local != nil {
		if err := t.local(ctx, msg, principal); err != nil {
			t.emitDeliveryFailed(ctx, msg, dest, 0, err)
			return &DeliveryError{Destination: dest, Class: ErrMessageNotAcknowledged, Cause: err}
		}
		t.emitDelivered(ctx, msg, dest, 0)
		return nil
	}

	status, err := t.post(ctx, destURI, msg)
	if err != nil {
		t.emitDeliveryFailed(ctx, msg, dest, status, err)
		return err
	}
	t.emitDelivered(ctx, msg, dest, status)
	return nil
}

// MessageReceived implements queue.Listener for the outbound queue: a
// successful delivery acknowledges the row, anything else leaves it for
// retry.
func (t *HTTPTransport) MessageReceived(ctx context.Context, msg message.Message, qctx *queue.Context) error {
	if err := t.Deliver(ctx, msg, qctx.Principal()); err != nil {
		return err
	}
	qctx.Acknowledge()
	return nil
}

// post sends the message to {dest}/message/{id} and classifies the outcome.
func (t *HTTPTransport) post(ctx context.Context, dest *url.URL, msg message.Message) (int, error) {
	headers := msg.Headers()
	target := dest.JoinPath("message", url.PathEscape(msg.ID()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(msg.Content()))
	if err != nil {
		return 0, fmt.Errorf("building delivery request: %w", err)
	}
	for _, name := range headers.Names() {
		req.Header.Set(name, headers.Get(name))
	}
	if creds := t.endpoints.CredentialsFor(dest); creds != nil {
		creds.Apply(req)
	}

	resp, err := t.clientFor(dest).Do(req)
	if err != nil {
		return 0, &DeliveryError{Destination: dest.String(), Class: classifyNetErr(err), Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &DeliveryError{
		Destination: dest.String(),
		Status:      resp.StatusCode,
		Class:       classifyStatus(resp.StatusCode),
	}
}

// clientFor returns the pooled client for a destination origin.
func (t *HTTPTransport) clientFor(dest *url.URL) *http.Client {
	key := dest.Scheme + "://" + dest.Host
	t.clientMu.Lock()
	defer t.clientMu.Unlock()
	client, ok := t.clients[key]
	if !ok {
		client = &http.Client{Timeout: t.timeout}
		t.clients[key] = client
	}
	return client
}

func (t *HTTPTransport) emitDelivered(ctx context.Context, msg message.Message, dest string, status int) {
	diagnostics.Emit(ctx, t.sink, diagnostics.Event{
		Type:        diagnostics.EventMessageDelivered,
		Source:      componentName,
		MessageID:   msg.ID(),
		Destination: dest,
		HTTPStatus:  status,
	})
}

func (t *HTTPTransport) emitDeliveryFailed(ctx context.Context, msg message.Message, dest string, status int, cause error) {
	t.logger.Warn("message delivery failed",
		"messageId", msg.ID(), "destination", dest, "status", status, "error", cause)
	diagnostics.Emit(ctx, t.sink, diagnostics.Event{
		Type:        diagnostics.EventMessageDeliveryFailed,
		Source:      componentName,
		MessageID:   msg.ID(),
		Destination: dest,
		HTTPStatus:  status,
		Err:         cause,
	})
}
