// Package queue implements the durable FIFO message queue engine: persisted
// rows dispatched at-least-once to a listener with bounded concurrency,
// retry with delay on non-acknowledgement, dead-lettering when attempts are
// exhausted, and crash-safe recovery of pending rows.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/security"
)

// componentName is the source recorded on diagnostic events.
const componentName = "queue"

type dispatchItem struct {
	row       QueuedMessage
	principal *security.Principal
}

// Queue dispatches persisted messages to a listener. Instances are created
// through a Manager.
type Queue struct {
	name     Name
	listener Listener
	opts     Options
	store    Store
	tokens   security.TokenService
	sink     diagnostics.Sink
	logger   *slog.Logger

	handoff  chan dispatchItem
	slots    chan struct{} // nil unless BufferSize > 0
	inflight sync.Map      // row id -> struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newQueue(name Name, listener Listener, opts Options, store Store, tokens security.TokenService, sink diagnostics.Sink, logger *slog.Logger) *Queue {
	bufCap := opts.BufferSize
	if bufCap <= 0 {
		bufCap = defaultBufferSize
	}
	q := &Queue{
		name:     name,
		listener: listener,
		opts:     opts,
		store:    store,
		tokens:   tokens,
		sink:     sink,
		logger:   logger.With("queue", string(name)),
		handoff:  make(chan dispatchItem, bufCap),
	}
	if opts.BufferSize > 0 {
		q.slots = make(chan struct{}, opts.BufferSize)
	}
	return q
}

// start loads pending rows and spins up the worker pool. The supplied
// context governs only the recovery read; the queue itself lives until
// Close.
func (q *Queue) start(ctx context.Context) error {
	rows, err := q.store.Pending(ctx, q.name)
	if err != nil {
		return fmt.Errorf("loading pending messages for queue %q: %w", q.name, err)
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := 0; i < q.opts.ConcurrencyLimit; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	if len(rows) > 0 {
		q.logger.Info("recovering pending messages", "count", len(rows))
		q.wg.Add(1)
		go q.recover(rows)
	}
	diagnostics.Emit(ctx, q.sink, diagnostics.Event{
		Type:   diagnostics.EventComponentInitialized,
		Source: componentName,
		Queue:  string(q.name),
	})
	return nil
}

// recover replays pending rows through the normal dispatch path, preserving
// their attempt counters.
func (q *Queue) recover(rows []QueuedMessage) {
	defer q.wg.Done()
	for _, row := range rows {
		principal, err := q.tokens.Validate(q.ctx, row.Message.Headers().SecurityToken())
		if err != nil {
			q.logger.Warn("could not reconstitute principal for recovered message",
				"messageId", row.Message.ID(), "error", err)
		}
		if !q.offer(q.ctx, dispatchItem{row: row, principal: principal}) {
			return
		}
	}
}

// offer places an item on the handoff channel, blocking until space is
// available or the queue shuts down.
func (q *Queue) offer(ctx context.Context, item dispatchItem) bool {
	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return false
		}
	}
	select {
	case q.handoff <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Name returns the queue name.
func (q *Queue) Name() Name { return q.name }

// Enqueue persists the message as a pending row and hands it to the
// dispatch workers. The message's SecurityToken header is replaced with a
// freshly issued token carrying the principal, expiring no later than the
// message itself. When a bounded handoff buffer is configured and
// saturated, Enqueue fails with ErrQueueFull; storage errors propagate.
func (q *Queue) Enqueue(ctx context.Context, msg message.Message, principal *security.Principal) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	headers := msg.Headers()
	if q.opts.TTL > 0 {
		limit := time.Now().Add(q.opts.TTL)
		if exp := headers.Expires(); exp.IsZero() || limit.Before(exp) {
			headers.SetExpires(limit)
		}
	}
	token, err := q.tokens.Issue(ctx, principal, headers.Expires())
	if err != nil {
		return fmt.Errorf("issuing security token: %w", err)
	}
	headers.SetSecurityToken(token)
	stored := msg.WithHeaders(headers)

	// Reserve a handoff slot before persisting so the insert and the
	// in-memory hand-off succeed or fail together.
	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
		default:
			return ErrQueueFull
		}
	}

	row, err := q.store.Insert(ctx, q.name, stored)
	if err != nil {
		if q.slots != nil {
			<-q.slots
		}
		return fmt.Errorf("persisting message on queue %q: %w", q.name, err)
	}

	diagnostics.Emit(ctx, q.sink, diagnostics.Event{
		Type:      diagnostics.EventMessageEnqueued,
		Source:    componentName,
		Queue:     string(q.name),
		MessageID: stored.ID(),
	})

	item := dispatchItem{row: row, principal: principal}
	if q.slots != nil {
		// Slot reservation guarantees channel capacity.
		q.handoff <- item
		return nil
	}
	select {
	case q.handoff <- item:
		return nil
	case <-ctx.Done():
		// The row is persisted; it will be recovered on restart.
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Close stops dispatch. In-flight listener invocations observe context
// cancellation and are allowed to run to completion; pending rows are left
// pending. Close returns ErrShutdownTimedOut if the workers do not drain
// before ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrShutdownTimedOut
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.handoff:
			if q.slots != nil {
				<-q.slots
			}
			q.process(item)
		}
	}
}

// process drives one row to a terminal outcome or to shutdown. The in-flight
// registration guarantees no two workers ever hold the same row.
func (q *Queue) process(item dispatchItem) {
	row := item.row
	if _, alreadyHeld := q.inflight.LoadOrStore(row.ID, struct{}{}); alreadyHeld {
		return
	}
	defer q.inflight.Delete(row.ID)

	attempts := row.Attempts
	for {
		now := time.Now()
		if row.Message.IsExpired(now) {
			q.abandon(row, now, diagnostics.EventMessageExpired, nil)
			return
		}

		attempts++
		if err := q.store.UpdateAttempts(q.ctx, q.name, row.ID, attempts); err != nil {
			q.logger.Error("failed to record dispatch attempt", "messageId", row.Message.ID(), "error", err)
			if attempts >= q.opts.MaxAttempts {
				q.abandon(row, time.Now(), diagnostics.EventDeadLetter, err)
				return
			}
			if !q.sleepRetry() {
				return
			}
			continue
		}

		qctx := &Context{queue: q.name, attempt: attempts, principal: item.principal}
		err := q.invoke(row.Message, qctx)
		if qctx.Acknowledged() || (err == nil && q.opts.AutoAcknowledge) {
			if delErr := q.store.Acknowledge(q.ctx, q.name, row.ID); delErr != nil {
				// The row outlives acknowledgement; at-least-once
				// tolerates the redelivery after a restart.
				q.logger.Error("failed to delete acknowledged message", "messageId", row.Message.ID(), "error", delErr)
			}
			diagnostics.Emit(q.ctx, q.sink, diagnostics.Event{
				Type:      diagnostics.EventMessageAcknowledged,
				Source:    componentName,
				Queue:     string(q.name),
				MessageID: row.Message.ID(),
			})
			return
		}

		diagnostics.Emit(q.ctx, q.sink, diagnostics.Event{
			Type:      diagnostics.EventMessageNotAcked,
			Source:    componentName,
			Queue:     string(q.name),
			MessageID: row.Message.ID(),
			Err:       err,
		})
		if attempts >= q.opts.MaxAttempts {
			q.abandon(row, time.Now(), diagnostics.EventDeadLetter, err)
			return
		}
		if !q.sleepRetry() {
			return
		}
	}
}

// invoke calls the listener, converting a panic into an attempt failure so
// a misbehaving listener never takes down the worker.
func (q *Queue) invoke(msg message.Message, qctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return q.listener.MessageReceived(q.ctx, msg, qctx)
}

func (q *Queue) abandon(row QueuedMessage, at time.Time, eventType string, cause error) {
	if err := q.store.Abandon(q.ctx, q.name, row.ID, at); err != nil {
		q.logger.Error("failed to mark message abandoned", "messageId", row.Message.ID(), "error", err)
	}
	diagnostics.Emit(q.ctx, q.sink, diagnostics.Event{
		Type:      eventType,
		Source:    componentName,
		Queue:     string(q.name),
		MessageID: row.Message.ID(),
		Err:       cause,
	})
}

// sleepRetry pauses between attempts; it returns false when the queue shut
// down during the pause.
func (q *Queue) sleepRetry() bool {
	timer := time.NewTimer(q.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}
