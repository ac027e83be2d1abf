package platibus

import (
	"context"
	"time"

	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/security"
)

// stamp fills in the envelope headers every outbound message carries:
// MessageId, Sent, Origination, and an Expires derived from the bus
// default TTL when the message has none of its own.
func (b *Bus) stamp(msg message.Message) message.Message {
	headers := msg.Headers()
	if headers.MessageID() == "" {
		headers.SetMessageID(message.NewMessageID())
	}
	now := time.Now()
	if headers.Sent().IsZero() {
		headers.SetSent(now)
	}
	if headers.Origination() == "" {
		headers.SetOrigination(b.baseURI)
	}
	if headers.Expires().IsZero() && b.defaultTTL > 0 {
		headers.SetExpires(now.Add(b.defaultTTL))
	}
	return msg.WithHeaders(headers)
}

func (b *Bus) requireInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Send delivers one message to its Destination header. Critical messages
// are staged on the durable outbound queue; others are delivered inline.
func (b *Bus) Send(ctx context.Context, msg message.Message, principal *security.Principal) error {
	if err := b.requireInit(); err != nil {
		return err
	}
	return b.transport.Send(ctx, b.stamp(msg), principal)
}

// Publish fans one message out to every current subscriber of topic.
func (b *Bus) Publish(ctx context.Context, msg message.Message, topic string, principal *security.Principal) error {
	if err := b.requireInit(); err != nil {
		return err
	}
	return b.transport.Publish(ctx, b.stamp(msg), topic, principal)
}

// SendReply correlates reply with an earlier message and sends it back to
// the originator: RelatedTo carries the original id, and the destination
// is the original's ReplyTo, falling back to its Origination.
func (b *Bus) SendReply(ctx context.Context, original, reply message.Message, principal *security.Principal) error {
	headers := reply.Headers()
	headers.SetRelatedTo(original.ID())
	if headers.Destination() == "" {
		dest := original.Headers().ReplyTo()
		if dest == "" {
			dest = original.Headers().Origination()
		}
		headers.SetDestination(dest)
	}
	return b.Send(ctx, reply.WithHeaders(headers), principal)
}

// Subscribe registers this bus as a subscriber of topic at the named
// endpoint and keeps the subscription renewed until Shutdown. The endpoint
// name is resolved immediately; the renewal loop runs in the background
// and logs its terminal error, if any.
func (b *Bus) Subscribe(endpointName, topic string, ttl time.Duration) error {
	if err := b.requireInit(); err != nil {
		return err
	}
	if _, err := b.endpoints.ByName(endpointName); err != nil {
		return err
	}
	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		err := b.transport.SubscribeByName(b.ctx, endpointName, topic, ttl)
		if err != nil && b.ctx.Err() == nil {
			b.logger.Error("subscription loop ended",
				"endpoint", endpointName, "topic", topic, "error", err)
		}
	}()
	return nil
}
