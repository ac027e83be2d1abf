package queue

import "time"

// Default option values applied by Options.withDefaults.
const (
	DefaultConcurrencyLimit = 4
	DefaultMaxAttempts      = 10
	DefaultRetryDelay       = time.Second

	// defaultBufferSize bounds the handoff channel when the caller did not
	// configure a bound of their own. Enqueue blocks rather than failing
	// when this implicit bound is reached.
	defaultBufferSize = 1024
)

// Options tune the dispatch behavior of a single queue.
type Options struct {
	// ConcurrencyLimit is the maximum number of worker goroutines
	// processing the queue at once. Minimum 1, default 4.
	ConcurrencyLimit int `json:"concurrencyLimit" yaml:"concurrencyLimit"`

	// AutoAcknowledge treats a listener invocation that returns without
	// error as acknowledged, even if the listener never called Acknowledge.
	AutoAcknowledge bool `json:"autoAcknowledge" yaml:"autoAcknowledge"`

	// MaxAttempts is the number of dispatch attempts before a message is
	// dead-lettered. Minimum 1, default 10.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// RetryDelay is the pause between dispatch attempts for a message that
	// was not acknowledged. Must be positive; default 1s.
	RetryDelay time.Duration `json:"retryDelay" yaml:"retryDelay"`

	// TTL bounds the lifetime of messages in this queue. When positive,
	// enqueue caps the message's Expires header at enqueue time + TTL.
	// Zero means unbounded.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// Durable selects the durable backing store; messages survive process
	// restart. Non-durable queues keep rows in memory only.
	Durable bool `json:"durable" yaml:"durable"`

	// BufferSize, when positive, bounds the in-memory dispatch handoff.
	// Enqueue fails with ErrQueueFull when the bound is reached. Zero
	// leaves Enqueue blocking under pressure.
	BufferSize int `json:"bufferSize" yaml:"bufferSize"`
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyLimit < 1 {
		o.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	return o
}
