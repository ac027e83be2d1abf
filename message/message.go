// Package message defines the canonical in-memory representation of a bus
// message: an immutable envelope of ordered, case-insensitive headers plus
// opaque content, together with the wire codec used to persist headers.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Importance is a delivery policy tag carried in the Importance header.
type Importance int

const (
	// Low importance messages may be dropped under pressure.
	Low Importance = iota - 1
	// Normal importance messages are delivered best-effort inline.
	Normal
	// Critical importance messages are queued durably and retried until
	// delivered or attempts are exhausted.
	Critical
)

// String returns the wire form of the importance value.
func (i Importance) String() string {
	switch i {
	case Low:
		return "Low"
	case Critical:
		return "Critical"
	default:
		return "Normal"
	}
}

// ParseImportance parses the wire form of an importance value. Unrecognized
// input parses as Normal.
func ParseImportance(s string) Importance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low
	case "critical":
		return Critical
	default:
		return Normal
	}
}

// Message is an envelope of headers and opaque content. Messages are treated
// as immutable after construction; operations that need altered headers clone
// them first.
type Message struct {
	headers *Headers
	content []byte
}

// New constructs a message from headers and content. The headers are cloned
// so later mutation of the argument does not affect the message.
func New(headers *Headers, content []byte) Message {
	if headers == nil {
		headers = NewHeaders()
	}
	return Message{headers: headers.Clone(), content: content}
}

// Headers returns a copy of the message headers.
func (m Message) Headers() *Headers {
	if m.headers == nil {
		return NewHeaders()
	}
	return m.headers.Clone()
}

// Content returns the message content. Callers must not modify the returned
// slice.
func (m Message) Content() []byte { return m.content }

// ID returns the MessageId header.
func (m Message) ID() string {
	if m.headers == nil {
		return ""
	}
	return m.headers.MessageID()
}

// IsExpired reports whether the message carries an Expires header at or
// before now.
func (m Message) IsExpired(now time.Time) bool {
	if m.headers == nil {
		return false
	}
	exp := m.headers.Expires()
	return !exp.IsZero() && !exp.After(now)
}

// WithHeaders returns a copy of the message carrying the given headers in
// place of the original ones.
func (m Message) WithHeaders(headers *Headers) Message {
	return New(headers, m.content)
}

// NewMessageID allocates a globally unique message identifier.
func NewMessageID() string {
	return uuid.NewString()
}
