package transport

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nickmkk/Platibus/diagnostics"
)

// defaultRenewal paces renewal of subscriptions that never expire. Renewing
// them at all lets a publisher that lost its subscription store rebuild it.
const defaultRenewal = 10 * time.Minute

// SubscribeByName resolves the publisher endpoint by name and runs the
// renewal loop. An unknown endpoint name fails immediately.
func (t *HTTPTransport) SubscribeByName(ctx context.Context, endpointName, topic string, ttl time.Duration) error {
	publisher, err := t.endpoints.ByName(endpointName)
	if err != nil {
		diagnostics.Emit(ctx, t.sink, diagnostics.Event{
			Type:   diagnostics.EventEndpointNotFound,
			Source: componentName,
			Topic:  topic,
			Err:    err,
		})
		return err
	}
	return t.Subscribe(ctx, publisher, topic, ttl)
}

// Subscribe registers this instance as a subscriber of topic at the
// publisher and keeps the subscription renewed until ctx is cancelled.
// Transient failures pause for the retry interval and try again; requests
// the publisher rejects outright end the loop. Subscribe blocks, so callers
// run it on its own goroutine.
func (t *HTTPTransport) Subscribe(ctx context.Context, publisher Endpoint, topic string, ttl time.Duration) error {
	logger := t.logger.With("topic", topic, "publisher", publisher.Address.String())
	for {
		err := t.requestSubscription(ctx, publisher, topic, ttl)
		var wait time.Duration
		switch {
		case err == nil:
			diagnostics.Emit(ctx, t.sink, diagnostics.Event{
				Type:        diagnostics.EventSubscriptionRenewed,
				Source:      componentName,
				Topic:       topic,
				Destination: publisher.Address.String(),
			})
			wait = renewalInterval(ttl, t.minRenewal)
		case ctx.Err() != nil:
			return ctx.Err()
		case !transientSubscriptionFailure(err):
			logger.Error("subscription rejected by publisher", "error", err)
			diagnostics.Emit(ctx, t.sink, diagnostics.Event{
				Type:        diagnostics.EventSubscriptionFailed,
				Source:      componentName,
				Topic:       topic,
				Destination: publisher.Address.String(),
				Err:         err,
			})
			return err
		default:
			logger.Warn("subscription request failed; will retry", "error", err)
			wait = t.retryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// requestSubscription POSTs one subscription request to the publisher's
// subscriber resource.
func (t *HTTPTransport) requestSubscription(ctx context.Context, publisher Endpoint, topic string, ttl time.Duration) error {
	target := publisher.Address.JoinPath("topic", url.PathEscape(topic), "subscriber")
	query := url.Values{"uri": {t.baseURI.String()}}
	if ttl > 0 {
		query.Set("ttl", strconv.Itoa(int(ttl/time.Second)))
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return &DeliveryError{Destination: target.String(), Class: ErrInvalidRequest, Cause: err}
	}
	if publisher.Credentials != nil {
		publisher.Credentials.Apply(req)
	}

	resp, err := t.clientFor(publisher.Address).Do(req)
	if err != nil {
		return &DeliveryError{Destination: target.String(), Class: classifyNetErr(err), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{
		Destination: target.String(),
		Status:      resp.StatusCode,
		Class:       classifyStatus(resp.StatusCode),
	}
}

// renewalInterval renews at half the subscription TTL, floored so that a
// short TTL cannot turn the loop into a hot spin. Non-expiring
// subscriptions renew at a slow fixed pace.
func renewalInterval(ttl, floor time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultRenewal
	}
	interval := ttl / 2
	if interval < floor {
		interval = floor
	}
	if interval >= ttl {
		interval = ttl / 2
	}
	return interval
}
