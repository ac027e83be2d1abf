package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/security"
)

func testMessage(id string) message.Message {
	h := message.NewHeaders()
	h.SetMessageID(id)
	h.SetMessageName("urn:test:Message")
	h.SetContentType("text/plain")
	return message.New(h, []byte("payload"))
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestRetryThenSucceed(t *testing.T) {
	store := NewMemoryStore()
	capture := &diagnostics.CaptureSink{}
	mgr := NewManager(WithDurableStore(store), WithSink(capture))

	var (
		mu       sync.Mutex
		attempts []int
	)
	acked := make(chan struct{})
	listener := ListenerFunc(func(_ context.Context, _ message.Message, qctx *Context) error {
		mu.Lock()
		attempts = append(attempts, qctx.Attempt())
		mu.Unlock()
		if qctx.Attempt() >= 3 {
			qctx.Acknowledge()
			close(acked)
			return nil
		}
		return errors.New("not yet")
	})

	q, err := mgr.Create(context.Background(), "q", listener, Options{
		MaxAttempts: 3,
		RetryDelay:  100 * time.Millisecond,
		Durable:     true,
	})
	require.NoError(t, err)
	defer closeQueue(t, q)

	start := time.Now()
	m := testMessage("m1")
	require.NoError(t, q.Enqueue(context.Background(), m, nil))

	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("message was never acknowledged")
	}

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond,
		"two retry delays must elapse before the third attempt")

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return len(store.Rows("q")) == 0
	}, 2*time.Second, 10*time.Millisecond, "acknowledged row must be deleted")
}

func TestDeadLetter(t *testing.T) {
	store := NewMemoryStore()
	capture := &diagnostics.CaptureSink{}
	mgr := NewManager(WithDurableStore(store), WithSink(capture))

	listener := ListenerFunc(func(_ context.Context, _ message.Message, _ *Context) error {
		return errors.New("always rejects")
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Durable:     true,
	})
	require.NoError(t, err)
	defer closeQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("m2"), nil))

	require.Eventually(t, func() bool {
		rows := store.Rows("q")
		return len(rows) == 1 && !rows[0].Abandoned.IsZero()
	}, 5*time.Second, 10*time.Millisecond, "row must be retained and marked abandoned")

	rows := store.Rows("q")
	assert.Equal(t, 3, rows[0].Attempts)
	assert.Len(t, capture.OfType(diagnostics.EventDeadLetter), 1, "exactly one DeadLetter diagnostic")
}

func TestCrashRecovery(t *testing.T) {
	store := NewMemoryStore()

	// First incarnation: the listener stalls until shutdown without
	// acknowledging, leaving the row pending.
	stalled := make(chan struct{})
	stallingListener := ListenerFunc(func(ctx context.Context, _ message.Message, _ *Context) error {
		close(stalled)
		<-ctx.Done()
		return ctx.Err()
	})
	mgr := NewManager(WithDurableStore(store))
	q, err := mgr.Create(context.Background(), "q", stallingListener, Options{Durable: true})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), testMessage("m3"), nil))
	<-stalled
	closeQueue(t, q)

	rows := store.Rows("q")
	require.Len(t, rows, 1)
	require.True(t, rows[0].Pending(), "row must remain pending after shutdown")
	attemptsBefore := rows[0].Attempts

	// Second incarnation over the same store: dispatch resumes and the
	// attempt counter picks up where it left off.
	var observed int
	done := make(chan struct{})
	ackingListener := ListenerFunc(func(_ context.Context, _ message.Message, qctx *Context) error {
		observed = qctx.Attempt()
		qctx.Acknowledge()
		close(done)
		return nil
	})
	mgr2 := NewManager(WithDurableStore(store))
	q2, err := mgr2.Create(context.Background(), "q", ackingListener, Options{Durable: true})
	require.NoError(t, err)
	defer closeQueue(t, q2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recovered message was never dispatched")
	}
	assert.Greater(t, observed, attemptsBefore, "attempt counter is preserved across restart")
	require.Eventually(t, func() bool {
		return len(store.Rows("q")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	mgr := NewManager()
	release := make(chan struct{})
	listener := ListenerFunc(func(ctx context.Context, _ message.Message, qctx *Context) error {
		select {
		case <-release:
			qctx.Acknowledge()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{
		ConcurrencyLimit: 1,
		BufferSize:       1,
	})
	require.NoError(t, err)
	defer closeQueue(t, q)
	defer close(release)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("a"), nil))
	// Give the single worker time to take the first message.
	require.Eventually(t, func() bool {
		return q.Enqueue(context.Background(), testMessage("b"), nil) == nil
	}, 2*time.Second, 10*time.Millisecond)

	err = q.Enqueue(context.Background(), testMessage("c"), nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAutoAcknowledge(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(WithDurableStore(store))
	done := make(chan struct{})
	listener := ListenerFunc(func(_ context.Context, _ message.Message, _ *Context) error {
		close(done)
		return nil
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{AutoAcknowledge: true, Durable: true})
	require.NoError(t, err)
	defer closeQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("m"), nil))
	<-done
	require.Eventually(t, func() bool {
		return len(store.Rows("q")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerPanicCountsAsFailure(t *testing.T) {
	capture := &diagnostics.CaptureSink{}
	mgr := NewManager(WithSink(capture))
	listener := ListenerFunc(func(_ context.Context, _ message.Message, _ *Context) error {
		panic("listener bug")
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{
		MaxAttempts: 2,
		RetryDelay:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer closeQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("m"), nil))
	require.Eventually(t, func() bool {
		return len(capture.OfType(diagnostics.EventDeadLetter)) == 1
	}, 5*time.Second, 10*time.Millisecond, "panicking listener exhausts attempts without killing the worker")
}

func TestExpiredMessageNotDispatched(t *testing.T) {
	store := NewMemoryStore()
	capture := &diagnostics.CaptureSink{}
	mgr := NewManager(WithDurableStore(store), WithSink(capture))

	invoked := false
	listener := ListenerFunc(func(_ context.Context, _ message.Message, _ *Context) error {
		invoked = true
		return nil
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{Durable: true})
	require.NoError(t, err)
	defer closeQueue(t, q)

	h := message.NewHeaders()
	h.SetMessageID("expired")
	h.SetExpires(time.Now().Add(-time.Minute))
	require.NoError(t, q.Enqueue(context.Background(), message.New(h, nil), nil))

	require.Eventually(t, func() bool {
		return len(capture.OfType(diagnostics.EventMessageExpired)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, invoked, "listener must not see an expired message")

	rows := store.Rows("q")
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Abandoned.IsZero())
}

func TestQueueTTLCapsExpiry(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(WithDurableStore(store))
	q, err := mgr.Create(context.Background(), "q",
		ListenerFunc(func(_ context.Context, _ message.Message, qctx *Context) error {
			qctx.Acknowledge()
			return nil
		}),
		Options{TTL: time.Minute, Durable: true})
	require.NoError(t, err)
	defer closeQueue(t, q)

	before := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), testMessage("m"), nil))
	rows := store.Rows("q")
	if len(rows) == 0 {
		// Already acknowledged and deleted; nothing left to inspect.
		return
	}
	exp := rows[0].Message.Headers().Expires()
	require.False(t, exp.IsZero())
	assert.WithinDuration(t, before.Add(time.Minute), exp, 5*time.Second)
}

func TestPrincipalCapturedAndReconstituted(t *testing.T) {
	tokens, err := security.NewJWTTokenService([]byte("queue-test-key"))
	require.NoError(t, err)
	store := NewMemoryStore()
	mgr := NewManager(WithDurableStore(store), WithTokenService(tokens))

	got := make(chan *security.Principal, 1)
	listener := ListenerFunc(func(_ context.Context, msg message.Message, qctx *Context) error {
		assert.NotEmpty(t, msg.Headers().SecurityToken(), "stored message carries the reissued token")
		got <- qctx.Principal()
		qctx.Acknowledge()
		return nil
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{Durable: true})
	require.NoError(t, err)
	defer closeQueue(t, q)

	principal := &security.Principal{Name: "carol", Roles: []string{"sender"}}
	require.NoError(t, q.Enqueue(context.Background(), testMessage("m"), principal))

	select {
	case p := <-got:
		require.NotNil(t, p)
		assert.Equal(t, "carol", p.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("message was never dispatched")
	}
}

func TestNoConcurrentHoldOfSameRow(t *testing.T) {
	mgr := NewManager()
	var (
		mu   sync.Mutex
		held = map[string]int{}
	)
	var wg sync.WaitGroup
	wg.Add(5)
	listener := ListenerFunc(func(_ context.Context, msg message.Message, qctx *Context) error {
		mu.Lock()
		held[msg.ID()]++
		assert.Equal(t, 1, held[msg.ID()], "row held by two workers at once")
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		held[msg.ID()]--
		mu.Unlock()
		qctx.Acknowledge()
		wg.Done()
		return nil
	})
	q, err := mgr.Create(context.Background(), "q", listener, Options{ConcurrencyLimit: 3})
	require.NoError(t, err)
	defer closeQueue(t, q)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(context.Background(), testMessage(id), nil))
	}
	wg.Wait()
}

func TestCreateValidation(t *testing.T) {
	mgr := NewManager()
	_, err := mgr.Create(context.Background(), "", ListenerFunc(nil), Options{})
	assert.ErrorIs(t, err, ErrQueueNameRequired)

	_, err = mgr.Create(context.Background(), "q", nil, Options{})
	assert.ErrorIs(t, err, ErrListenerRequired)

	_, err = mgr.Create(context.Background(), "q",
		ListenerFunc(func(context.Context, message.Message, *Context) error { return nil }),
		Options{Durable: true})
	assert.ErrorIs(t, err, ErrNoDurableStore)
}

func TestCreateIdempotent(t *testing.T) {
	mgr := NewManager()
	listener := ListenerFunc(func(_ context.Context, _ message.Message, qctx *Context) error {
		qctx.Acknowledge()
		return nil
	})
	q1, err := mgr.Create(context.Background(), "q", listener, Options{})
	require.NoError(t, err)
	defer closeQueue(t, q1)

	q2, err := mgr.Create(context.Background(), "q", listener, Options{})
	require.NoError(t, err)
	assert.Same(t, q1, q2)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	mgr := NewManager()
	q, err := mgr.Create(context.Background(), "q",
		ListenerFunc(func(_ context.Context, _ message.Message, qctx *Context) error {
			qctx.Acknowledge()
			return nil
		}), Options{})
	require.NoError(t, err)
	closeQueue(t, q)

	err = q.Enqueue(context.Background(), testMessage("m"), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
