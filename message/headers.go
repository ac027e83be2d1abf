package message

import (
	"strings"
	"time"
)

// Well-known header names. Names are compared case-insensitively but are
// written to the wire in this canonical casing.
const (
	HeaderMessageID     = "MessageId"
	HeaderMessageName   = "MessageName"
	HeaderOrigination   = "Origination"
	HeaderDestination   = "Destination"
	HeaderReplyTo       = "ReplyTo"
	HeaderRelatedTo     = "RelatedTo"
	HeaderSent          = "Sent"
	HeaderReceived      = "Received"
	HeaderPublished     = "Published"
	HeaderExpires       = "Expires"
	HeaderTopic         = "Topic"
	HeaderContentType   = "Content-Type"
	HeaderImportance    = "Importance"
	HeaderSecurityToken = "SecurityToken"
)

// timeLayout is the wire format for timestamp-valued headers.
const timeLayout = time.RFC3339Nano

type headerEntry struct {
	name  string // casing as first written
	value string
}

// Headers is an ordered, case-insensitive mapping of header name to value.
// The zero value is ready to use. Values may span multiple lines; the wire
// codec in this package preserves them exactly.
type Headers struct {
	entries []headerEntry
	index   map[string]int // lower-cased name -> position in entries
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string]int)}
}

// Set stores value under name, replacing any existing value. The original
// insertion position and casing are kept on replacement so that encoding is
// stable.
func (h *Headers) Set(name, value string) {
	if h.index == nil {
		h.index = make(map[string]int)
	}
	key := strings.ToLower(name)
	if i, ok := h.index[key]; ok {
		h.entries[i].value = value
		return
	}
	h.index[key] = len(h.entries)
	h.entries = append(h.entries, headerEntry{name: name, value: value})
}

// Get returns the value stored under name, or the empty string.
func (h *Headers) Get(name string) string {
	if h.index == nil {
		return ""
	}
	if i, ok := h.index[strings.ToLower(name)]; ok {
		return h.entries[i].value
	}
	return ""
}

// Has reports whether a value (possibly empty) is stored under name.
func (h *Headers) Has(name string) bool {
	if h.index == nil {
		return false
	}
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// Del removes the value stored under name.
func (h *Headers) Del(name string) {
	if h.index == nil {
		return
	}
	key := strings.ToLower(name)
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.entries = append(h.entries[:i], h.entries[i+1:]...)
	delete(h.index, key)
	for k, j := range h.index {
		if j > i {
			h.index[k] = j - 1
		}
	}
}

// Names returns the header names in insertion order, in their canonical
// casing.
func (h *Headers) Names() []string {
	names := make([]string, len(h.entries))
	for i, e := range h.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of headers.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Clone returns a deep copy of the header set.
func (h *Headers) Clone() *Headers {
	c := &Headers{
		entries: make([]headerEntry, len(h.entries)),
		index:   make(map[string]int, len(h.index)),
	}
	copy(c.entries, h.entries)
	for k, v := range h.index {
		c.index[k] = v
	}
	return c
}

// Equal reports whether two header sets contain the same names, in the same
// order, with the same values. Name comparison is case-insensitive.
func (h *Headers) Equal(other *Headers) bool {
	if len(h.entries) != len(other.entries) {
		return false
	}
	for i, e := range h.entries {
		o := other.entries[i]
		if !strings.EqualFold(e.name, o.name) || e.value != o.value {
			return false
		}
	}
	return true
}

func (h *Headers) getTime(name string) time.Time {
	v := h.Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (h *Headers) setTime(name string, t time.Time) {
	if t.IsZero() {
		h.Del(name)
		return
	}
	h.Set(name, t.UTC().Format(timeLayout))
}

// MessageID returns the MessageId header.
func (h *Headers) MessageID() string { return h.Get(HeaderMessageID) }

// SetMessageID sets the MessageId header.
func (h *Headers) SetMessageID(id string) { h.Set(HeaderMessageID, id) }

// MessageName returns the MessageName header.
func (h *Headers) MessageName() string { return h.Get(HeaderMessageName) }

// SetMessageName sets the MessageName header.
func (h *Headers) SetMessageName(name string) { h.Set(HeaderMessageName, name) }

// Origination returns the sender endpoint URI.
func (h *Headers) Origination() string { return h.Get(HeaderOrigination) }

// SetOrigination sets the sender endpoint URI.
func (h *Headers) SetOrigination(uri string) { h.Set(HeaderOrigination, uri) }

// Destination returns the recipient endpoint URI.
func (h *Headers) Destination() string { return h.Get(HeaderDestination) }

// SetDestination sets the recipient endpoint URI.
func (h *Headers) SetDestination(uri string) { h.Set(HeaderDestination, uri) }

// ReplyTo returns the ReplyTo header.
func (h *Headers) ReplyTo() string { return h.Get(HeaderReplyTo) }

// SetReplyTo sets the ReplyTo header.
func (h *Headers) SetReplyTo(uri string) { h.Set(HeaderReplyTo, uri) }

// RelatedTo returns the id of the message this message replies to.
func (h *Headers) RelatedTo() string { return h.Get(HeaderRelatedTo) }

// SetRelatedTo correlates this message with the id of an earlier message.
func (h *Headers) SetRelatedTo(id string) { h.Set(HeaderRelatedTo, id) }

// Sent returns the Sent timestamp, or the zero time.
func (h *Headers) Sent() time.Time { return h.getTime(HeaderSent) }

// SetSent sets the Sent timestamp.
func (h *Headers) SetSent(t time.Time) { h.setTime(HeaderSent, t) }

// Received returns the Received timestamp, or the zero time.
func (h *Headers) Received() time.Time { return h.getTime(HeaderReceived) }

// SetReceived sets the Received timestamp.
func (h *Headers) SetReceived(t time.Time) { h.setTime(HeaderReceived, t) }

// Published returns the Published timestamp, or the zero time.
func (h *Headers) Published() time.Time { return h.getTime(HeaderPublished) }

// SetPublished sets the Published timestamp.
func (h *Headers) SetPublished(t time.Time) { h.setTime(HeaderPublished, t) }

// Expires returns the absolute expiry instant, or the zero time when the
// message does not expire.
func (h *Headers) Expires() time.Time { return h.getTime(HeaderExpires) }

// SetExpires sets the absolute expiry instant.
func (h *Headers) SetExpires(t time.Time) { h.setTime(HeaderExpires, t) }

// Topic returns the Topic header.
func (h *Headers) Topic() string { return h.Get(HeaderTopic) }

// SetTopic sets the Topic header.
func (h *Headers) SetTopic(topic string) { h.Set(HeaderTopic, topic) }

// ContentType returns the MIME content type of the message content.
func (h *Headers) ContentType() string { return h.Get(HeaderContentType) }

// SetContentType sets the MIME content type of the message content.
func (h *Headers) SetContentType(ct string) { h.Set(HeaderContentType, ct) }

// Importance returns the parsed Importance header. Unrecognized or missing
// values parse as Normal.
func (h *Headers) Importance() Importance { return ParseImportance(h.Get(HeaderImportance)) }

// SetImportance sets the Importance header.
func (h *Headers) SetImportance(i Importance) { h.Set(HeaderImportance, i.String()) }

// SecurityToken returns the opaque security token, if any.
func (h *Headers) SecurityToken() string { return h.Get(HeaderSecurityToken) }

// SetSecurityToken sets the opaque security token.
func (h *Headers) SetSecurityToken(token string) {
	if token == "" {
		h.Del(HeaderSecurityToken)
		return
	}
	h.Set(HeaderSecurityToken, token)
}
