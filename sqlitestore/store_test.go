package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
	"github.com/nickmkk/Platibus/subscription"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platibus.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func storeMessage(id string) message.Message {
	h := message.NewHeaders()
	h.SetMessageID(id)
	h.SetMessageName("urn:test:Stored")
	h.SetDestination("https://peer.example.com")
	h.SetContentType("text/plain")
	return message.New(h, []byte("content "+id))
}

func TestQueueStoreInsertAndPending(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewQueueStore(db)
	ctx := context.Background()

	a, err := store.Insert(ctx, "q", storeMessage("a"))
	require.NoError(t, err)
	b, err := store.Insert(ctx, "q", storeMessage("b"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "other", storeMessage("x"))
	require.NoError(t, err)

	assert.Less(t, a.ID, b.ID)

	pending, err := store.Pending(ctx, "q")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Message.ID())
	assert.Equal(t, "b", pending[1].Message.ID())
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, []byte("content a"), pending[0].Message.Content())
}

func TestQueueStoreLifecycle(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewQueueStore(db)
	ctx := context.Background()

	row, err := store.Insert(ctx, "q", storeMessage("a"))
	require.NoError(t, err)

	require.NoError(t, store.UpdateAttempts(ctx, "q", row.ID, 2))
	pending, err := store.Pending(ctx, "q")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	require.NoError(t, store.Acknowledge(ctx, "q", row.ID))
	pending, err = store.Pending(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The acknowledged row is gone entirely.
	assert.ErrorIs(t, store.UpdateAttempts(ctx, "q", row.ID, 3), queue.ErrRowNotFound)
}

func TestQueueStoreAbandonRetainsRow(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewQueueStore(db)
	ctx := context.Background()

	row, err := store.Insert(ctx, "q", storeMessage("a"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateAttempts(ctx, "q", row.ID, 3))
	at := time.Now()
	require.NoError(t, store.Abandon(ctx, "q", row.ID, at))

	pending, err := store.Pending(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, pending)

	abandoned, err := store.Abandoned(ctx, "q")
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, 3, abandoned[0].Attempts)
	assert.WithinDuration(t, at, abandoned[0].Abandoned, time.Second)
}

func TestQueueStorePersistsAcrossReopen(t *testing.T) {
	db, path := openTestDB(t)
	store := NewQueueStore(db)
	ctx := context.Background()

	_, err := store.Insert(ctx, "q", storeMessage("survivor"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(ctx, path)
	require.NoError(t, err)
	defer db2.Close()

	pending, err := NewQueueStore(db2).Pending(ctx, "q")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "survivor", pending[0].Message.ID())
}

func TestQueueStoreAbandonsUnreadableRows(t *testing.T) {
	db, _ := openTestDB(t)
	capture := &diagnostics.CaptureSink{}
	store := NewQueueStore(db, WithQueueStoreSink(capture))
	ctx := context.Background()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO QueuedMessages (MessageId, QueueName, Headers, Content, Attempts)
		VALUES ('bad', 'q', 'no colon on this line', X'', 0)`)
	require.NoError(t, err)

	pending, err := store.Pending(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, pending)

	abandoned, err := store.Abandoned(ctx, "q")
	require.NoError(t, err)
	assert.Len(t, abandoned, 1)
	assert.Len(t, capture.OfType(diagnostics.EventDeadLetter), 1)
}

func TestQueueEngineOverSQLiteRecovery(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()

	// First incarnation leaves a pending row behind.
	stalled := make(chan struct{})
	mgr := queue.NewManager(queue.WithDurableStore(NewQueueStore(db)))
	q, err := mgr.Create(ctx, "q", queue.ListenerFunc(
		func(ctx context.Context, _ message.Message, _ *queue.Context) error {
			close(stalled)
			<-ctx.Done()
			return ctx.Err()
		}), queue.Options{Durable: true})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, storeMessage("m"), nil))
	<-stalled

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(closeCtx))
	require.NoError(t, db.Close())

	// Second incarnation recovers and acknowledges it.
	db2, err := Open(ctx, path)
	require.NoError(t, err)
	defer db2.Close()

	done := make(chan int, 1)
	mgr2 := queue.NewManager(queue.WithDurableStore(NewQueueStore(db2)))
	q2, err := mgr2.Create(ctx, "q", queue.ListenerFunc(
		func(_ context.Context, _ message.Message, qctx *queue.Context) error {
			qctx.Acknowledge()
			done <- qctx.Attempt()
			return nil
		}), queue.Options{Durable: true})
	require.NoError(t, err)
	defer func() {
		c, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = q2.Close(c)
	}()

	select {
	case attempt := <-done:
		assert.GreaterOrEqual(t, attempt, 2, "attempt counter survives restart")
	case <-time.After(5 * time.Second):
		t.Fatal("recovered message was never dispatched")
	}
}

func TestSubscriptionStoreUpsertAndExpiry(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSubscriptionStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, subscription.Subscription{
		Topic: "orders", Subscriber: "https://a.example.com", Expires: now.Add(time.Hour)}))
	require.NoError(t, store.Upsert(ctx, subscription.Subscription{
		Topic: "orders", Subscriber: "https://a.example.com", Expires: now.Add(2 * time.Hour)}))
	require.NoError(t, store.Upsert(ctx, subscription.Subscription{
		Topic: "orders", Subscriber: "https://old.example.com", Expires: now.Add(-time.Hour)}))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "upsert must not duplicate")

	require.NoError(t, store.DeleteExpired(ctx, now))
	all, err = store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://a.example.com", all[0].Subscriber)
	assert.True(t, all[0].Expires.Equal(now.Add(2*time.Hour).Truncate(time.Nanosecond)))
}

func TestSubscriptionStoreDelete(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSubscriptionStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, subscription.Subscription{
		Topic: "orders", Subscriber: "https://a.example.com", Expires: subscription.NeverExpires}))
	require.NoError(t, store.Delete(ctx, "orders", "https://a.example.com"))
	require.NoError(t, store.Delete(ctx, "orders", "https://absent.example.com"))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestJournalStorePagingAndFiltering(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewJournalStore(db)
	ctx := context.Background()

	appendN := func(count int, category journal.Category, topic string) {
		for i := 0; i < count; i++ {
			h := message.NewHeaders()
			h.SetMessageID(fmt.Sprintf("%s-%s-%d", category, topic, i))
			if topic != "" {
				h.SetTopic(topic)
			}
			require.NoError(t, store.Append(ctx, message.New(h, nil), category))
		}
	}
	appendN(4, journal.Sent, "Foo")
	appendN(4, journal.Sent, "")
	appendN(4, journal.Received, "Bar")
	appendN(8, journal.Received, "Baz")
	appendN(4, journal.Received, "")
	appendN(8, journal.Published, "")

	begin, err := store.Beginning(ctx)
	require.NoError(t, err)
	filter := &journal.Filter{Categories: []journal.Category{journal.Received}}

	page1, err := store.Read(ctx, begin, 10, filter)
	require.NoError(t, err)
	assert.Len(t, page1.Entries, 10)
	assert.False(t, page1.EndOfJournal)

	page2, err := store.Read(ctx, page1.Next, 10, filter)
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 6)
	assert.True(t, page2.EndOfJournal)

	// Repeatability.
	again, err := store.Read(ctx, begin, 10, filter)
	require.NoError(t, err)
	require.Len(t, again.Entries, 10)
	for i := range again.Entries {
		assert.Equal(t, page1.Entries[i].Position, again.Entries[i].Position)
		assert.Equal(t, page1.Entries[i].Message.ID(), again.Entries[i].Message.ID())
	}

	// Conjunctive category + topic filter.
	both, err := store.Read(ctx, begin, 32, &journal.Filter{
		Categories: []journal.Category{journal.Received},
		Topics:     []string{"Baz"},
	})
	require.NoError(t, err)
	assert.Len(t, both.Entries, 8)
	assert.True(t, both.EndOfJournal)
}

func TestJournalStorePositionsStrictlyIncrease(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewJournalStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, storeMessage(fmt.Sprintf("m-%d", i)), journal.Sent))
	}
	begin, err := store.Beginning(ctx)
	require.NoError(t, err)
	result, err := store.Read(ctx, begin, 5, nil)
	require.NoError(t, err)
	require.Len(t, result.Entries, 5)
	for i := 1; i < 5; i++ {
		assert.True(t, result.Entries[i-1].Position.Before(result.Entries[i].Position))
	}
}

func TestJournalStoreEmptyBeginning(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewJournalStore(db)
	ctx := context.Background()

	begin, err := store.Beginning(ctx)
	require.NoError(t, err)
	result, err := store.Read(ctx, begin, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.True(t, result.EndOfJournal)
}
