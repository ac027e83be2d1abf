package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event is a single diagnostic emission. Type is one of the Event* constants;
// Source names the emitting component. The remaining fields are optional and
// populated where meaningful.
type Event struct {
	Type        string
	Source      string
	Time        time.Time
	MessageID   string
	Queue       string
	Topic       string
	Destination string
	HTTPStatus  int
	Err         error
	Detail      string
}

// Sink receives diagnostic events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Emit forwards an event to sink, stamping the emission time. A nil sink
// drops the event.
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	sink.Emit(ctx, event)
}

// SlogSink writes diagnostic events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing to logger, or slog.Default when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit implements Sink.
func (s *SlogSink) Emit(ctx context.Context, event Event) {
	attrs := make([]any, 0, 16)
	attrs = append(attrs, "source", event.Source)
	if event.MessageID != "" {
		attrs = append(attrs, "messageId", event.MessageID)
	}
	if event.Queue != "" {
		attrs = append(attrs, "queue", event.Queue)
	}
	if event.Topic != "" {
		attrs = append(attrs, "topic", event.Topic)
	}
	if event.Destination != "" {
		attrs = append(attrs, "destination", event.Destination)
	}
	if event.HTTPStatus != 0 {
		attrs = append(attrs, "httpStatus", event.HTTPStatus)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}
	if event.Err != nil {
		attrs = append(attrs, "error", event.Err)
		s.logger.WarnContext(ctx, event.Type, attrs...)
		return
	}
	s.logger.InfoContext(ctx, event.Type, attrs...)
}

// CloudEventSink converts diagnostic events to CloudEvents and hands them to
// a delegate, typically a broker client or an observer pipeline.
type CloudEventSink struct {
	deliver func(ctx context.Context, ce cloudevents.Event)
}

// NewCloudEventSink creates a sink forwarding CloudEvents to deliver.
func NewCloudEventSink(deliver func(ctx context.Context, ce cloudevents.Event)) *CloudEventSink {
	return &CloudEventSink{deliver: deliver}
}

// Emit implements Sink.
func (s *CloudEventSink) Emit(ctx context.Context, event Event) {
	if s.deliver == nil {
		return
	}
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetType(event.Type)
	ce.SetSource("platibus/" + event.Source)
	ce.SetTime(event.Time)
	data := map[string]interface{}{}
	if event.MessageID != "" {
		data["messageId"] = event.MessageID
	}
	if event.Queue != "" {
		data["queue"] = event.Queue
	}
	if event.Topic != "" {
		data["topic"] = event.Topic
	}
	if event.Destination != "" {
		data["destination"] = event.Destination
	}
	if event.HTTPStatus != 0 {
		data["httpStatus"] = event.HTTPStatus
	}
	if event.Err != nil {
		data["error"] = event.Err.Error()
	}
	if event.Detail != "" {
		data["detail"] = event.Detail
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return
	}
	s.deliver(ctx, ce)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// CaptureSink records every emitted event, for tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (c *CaptureSink) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a snapshot of the recorded events.
func (c *CaptureSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the recorded events with the given type.
func (c *CaptureSink) OfType(eventType string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
