package queue

import "errors"

var (
	// Queue lifecycle errors
	ErrQueueClosed      = errors.New("message queue is closed")
	ErrShutdownTimedOut = errors.New("message queue shutdown timed out")

	// Enqueue errors
	ErrQueueFull = errors.New("message queue handoff buffer is full")

	// Creation errors
	ErrQueueNameRequired = errors.New("queue name must not be empty")
	ErrListenerRequired  = errors.New("queue listener must not be nil")
	ErrNoDurableStore    = errors.New("no durable store configured for durable queue")
)
