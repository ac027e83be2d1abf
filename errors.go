package platibus

import "errors"

var (
	// ErrNotAcknowledged indicates an inbound message that no handler
	// acknowledged.
	ErrNotAcknowledged = errors.New("platibus: message not acknowledged")
	// ErrNotInitialized indicates use of a bus before Init.
	ErrNotInitialized = errors.New("platibus: bus is not initialized")
	// ErrAlreadyInitialized indicates a registration that must happen
	// before Init.
	ErrAlreadyInitialized = errors.New("platibus: bus is already initialized")
	// ErrBaseURIRequired indicates a bus constructed without its own
	// address.
	ErrBaseURIRequired = errors.New("platibus: base URI is required")
	// ErrHandlerRequired indicates a handler registration without a
	// handler.
	ErrHandlerRequired = errors.New("platibus: handler must not be nil")
)
