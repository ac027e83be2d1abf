package queue

import (
	"context"

	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/security"
)

// Listener receives messages dispatched from a queue. A listener signals
// durable absorption of a message by calling Acknowledge on the supplied
// Context; anything else (including a returned error or a panic) counts as
// a failed attempt and is retried per the queue options.
type Listener interface {
	MessageReceived(ctx context.Context, msg message.Message, qctx *Context) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, msg message.Message, qctx *Context) error

// MessageReceived implements Listener.
func (f ListenerFunc) MessageReceived(ctx context.Context, msg message.Message, qctx *Context) error {
	return f(ctx, msg, qctx)
}

// Context carries the per-attempt dispatch state handed to a listener.
type Context struct {
	queue        Name
	attempt      int
	principal    *security.Principal
	acknowledged bool
}

// QueueName returns the name of the dispatching queue.
func (c *Context) QueueName() Name { return c.queue }

// Attempt returns the 1-based number of this dispatch attempt.
func (c *Context) Attempt() int { return c.attempt }

// Principal returns the identity captured when the message was enqueued,
// or nil.
func (c *Context) Principal() *security.Principal { return c.principal }

// Acknowledge marks the message as durably absorbed. The queue deletes the
// backing row once the listener returns.
func (c *Context) Acknowledge() { c.acknowledged = true }

// Acknowledged reports whether Acknowledge was called.
func (c *Context) Acknowledged() bool { return c.acknowledged }
