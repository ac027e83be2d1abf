package platibus

import (
	"context"

	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
	"github.com/nickmkk/Platibus/security"
)

// Handler consumes one inbound message. A nil return acknowledges the
// message; an error leaves it unacknowledged, which surfaces to remote
// senders as a 422 and to queued dispatch as a retry.
type Handler interface {
	Handle(ctx context.Context, msg message.Message, principal *security.Principal) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg message.Message, principal *security.Principal) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg message.Message, principal *security.Principal) error {
	return f(ctx, msg, principal)
}

// handlerRegistration binds a message name to its handler, optionally
// backed by a queue created at Init.
type handlerRegistration struct {
	name      string
	handler   Handler
	queueOpts *queue.Options
	queue     *queue.Queue
}

// handlerListener adapts a Handler to queue.Listener: a nil handler return
// acknowledges the row.
type handlerListener struct {
	handler Handler
}

func (l handlerListener) MessageReceived(ctx context.Context, msg message.Message, qctx *queue.Context) error {
	if err := l.handler.Handle(ctx, msg, qctx.Principal()); err != nil {
		return err
	}
	qctx.Acknowledge()
	return nil
}

// HandleOption configures a handler registration.
type HandleOption func(*handlerRegistration)

// WithHandlerQueue backs the handler with its own queue: inbound messages
// are accepted as soon as they are enqueued and the handler consumes them
// with the queue's retry and concurrency semantics. Set opts.Durable to
// survive restarts.
func WithHandlerQueue(opts queue.Options) HandleOption {
	return func(r *handlerRegistration) { r.queueOpts = &opts }
}
