package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Failure classes for wire delivery. Every delivery error wraps exactly one
// of these, so callers can branch with errors.Is without inspecting status
// codes.
var (
	// ErrAccessDenied is the class of 401 responses.
	ErrAccessDenied = errors.New("transport: access denied")
	// ErrResourceNotFound is the class of 404 responses.
	ErrResourceNotFound = errors.New("transport: resource not found")
	// ErrMessageNotAcknowledged is the class of 422 responses: the message
	// reached the remote instance but no handler acknowledged it.
	ErrMessageNotAcknowledged = errors.New("transport: message not acknowledged")
	// ErrInvalidRequest is the class of all remaining 4xx responses.
	ErrInvalidRequest = errors.New("transport: invalid request")
	// ErrTransportFailure is the class of 5xx responses and of network
	// errors without a more specific class.
	ErrTransportFailure = errors.New("transport: transport failure")
	// ErrNameResolutionFailed is the class of DNS resolution errors.
	ErrNameResolutionFailed = errors.New("transport: name resolution failed")
	// ErrConnectionRefused is the class of refused connections.
	ErrConnectionRefused = errors.New("transport: connection refused")
)

var (
	// ErrEndpointNotFound indicates a reference to an endpoint name that is
	// not configured.
	ErrEndpointNotFound = errors.New("transport: endpoint not found")
	// ErrDestinationRequired indicates a message offered for delivery
	// without a Destination header.
	ErrDestinationRequired = errors.New("transport: message has no destination")
)

// DeliveryError describes a failed wire delivery. It unwraps to both its
// failure class and the underlying cause.
type DeliveryError struct {
	Destination string
	Status      int // zero when the request never produced a response
	Class       error
	Cause       error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delivery to %s failed with status %d: %v", e.Destination, e.Status, e.Class)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Destination, e.Cause)
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Class != nil {
		errs = append(errs, e.Class)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// classifyStatus maps a non-2xx HTTP status to its failure class.
func classifyStatus(status int) error {
	switch {
	case status == 401:
		return ErrAccessDenied
	case status == 404:
		return ErrResourceNotFound
	case status == 422:
		return ErrMessageNotAcknowledged
	case status >= 400 && status < 500:
		return ErrInvalidRequest
	default:
		return ErrTransportFailure
	}
}

// classifyNetErr maps a transport-level error to its failure class.
func classifyNetErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrNameResolutionFailed
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	return ErrTransportFailure
}

// transientSubscriptionFailure reports whether a subscription request
// failure is worth retrying. Requests the publisher rejected outright will
// never succeed on retry; everything else may be a restart or a network
// blip.
func transientSubscriptionFailure(err error) bool {
	return !errors.Is(err, ErrInvalidRequest) &&
		!errors.Is(err, ErrAccessDenied) &&
		!errors.Is(err, ErrEndpointNotFound)
}
