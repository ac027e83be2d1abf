// Package diagnostics defines the diagnostic events emitted by the bus
// components and the sinks that receive them. Emission is fire-and-forget:
// a sink must never fail or block the operation that emitted the event.
package diagnostics

// Diagnostic event type constants, following CloudEvents reverse domain
// notation.
const (
	EventComponentInitialized  = "com.platibus.component.initialized"
	EventMessageEnqueued       = "com.platibus.message.enqueued"
	EventMessageDelivered      = "com.platibus.message.delivered"
	EventMessageDeliveryFailed = "com.platibus.message.delivery.failed"
	EventMessageAcknowledged   = "com.platibus.message.acknowledged"
	EventMessageNotAcked       = "com.platibus.message.notacknowledged"
	EventMessageExpired        = "com.platibus.message.expired"
	EventDeadLetter            = "com.platibus.message.deadletter"
	EventSubscriptionRenewed   = "com.platibus.subscription.renewed"
	EventSubscriptionFailed    = "com.platibus.subscription.failed"
	EventEndpointNotFound      = "com.platibus.endpoint.notfound"
	EventTransportFailure      = "com.platibus.transport.failure"
)
