package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, store Store, now *time.Time) *Registry {
	t.Helper()
	r := NewRegistry(store, WithRegistryClock(func() time.Time { return *now }))
	require.NoError(t, r.Init(context.Background()))
	return r
}

func TestAddAndGetSubscribers(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, NewMemoryStore(), &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", time.Hour))
	require.NoError(t, r.Add(ctx, "orders", "https://b.example.com", 0))
	require.NoError(t, r.Add(ctx, "invoices", "https://c.example.com", time.Hour))

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, r.Subscribers("orders"))
	assert.Equal(t, []string{"https://c.example.com"}, r.Subscribers("invoices"))
	assert.Empty(t, r.Subscribers("unknown"))
}

func TestExpiredSubscribersFilteredOnRead(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://short.example.com", time.Minute))
	require.NoError(t, r.Add(ctx, "orders", "https://forever.example.com", 0))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, []string{"https://forever.example.com"}, r.Subscribers("orders"))

	// The expired record may still exist in storage until swept.
	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReAddRefreshesExpiry(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, NewMemoryStore(), &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", time.Minute))
	now = now.Add(50 * time.Second)
	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", time.Minute))
	now = now.Add(30 * time.Second)

	assert.Equal(t, []string{"https://a.example.com"}, r.Subscribers("orders"),
		"refreshed subscription outlives its original TTL")
}

func TestRemoveSubscription(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", 0))
	require.NoError(t, r.Remove(ctx, "orders", "https://a.example.com"))
	assert.Empty(t, r.Subscribers("orders"))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCacheRebuiltFromStore(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, &now)
	ctx := context.Background()
	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", time.Hour))

	// A fresh registry over the same store sees the subscription after a
	// full-scan Init, simulating process restart.
	r2 := newTestRegistry(t, store, &now)
	assert.Equal(t, []string{"https://a.example.com"}, r2.Subscribers("orders"))
}

func TestPruneRemovesExpiredFromStoreAndCache(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://short.example.com", time.Minute))
	require.NoError(t, r.Add(ctx, "orders", "https://forever.example.com", 0))

	now = now.Add(time.Hour)
	require.NoError(t, r.Prune(ctx))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://forever.example.com", all[0].Subscriber)
	assert.Equal(t, []string{"https://forever.example.com"}, r.Subscribers("orders"))
}

func TestTopics(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, NewMemoryStore(), &now)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "orders", "https://a.example.com", 0))
	require.NoError(t, r.Add(ctx, "invoices", "https://b.example.com", time.Minute))

	now = now.Add(time.Hour)
	assert.Equal(t, []string{"orders"}, r.Topics(), "topics with only expired subscribers are omitted")
}

func TestMutationValidation(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, NewMemoryStore(), &now)
	ctx := context.Background()

	assert.ErrorIs(t, r.Add(ctx, "", "https://a.example.com", 0), ErrTopicRequired)
	assert.ErrorIs(t, r.Add(ctx, "orders", "", 0), ErrSubscriberRequired)
	assert.ErrorIs(t, r.Remove(ctx, "", "https://a.example.com"), ErrTopicRequired)
	assert.ErrorIs(t, r.Remove(ctx, "orders", ""), ErrSubscriberRequired)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	require.NoError(t, r.Init(context.Background()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Add(ctx, "orders", "https://a.example.com", time.Hour)
				_ = r.Remove(ctx, "orders", "https://a.example.com")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.Subscribers("orders")
			}
		}()
	}
	wg.Wait()
}
