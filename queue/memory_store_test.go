package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreInsertAssignsIncreasingIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.Insert(ctx, "q", testMessage("a"))
	require.NoError(t, err)
	b, err := store.Insert(ctx, "q", testMessage("b"))
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, 0, a.Attempts)
	assert.True(t, a.Pending())
}

func TestMemoryStorePendingOrderAndFiltering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, _ := store.Insert(ctx, "q", testMessage("a"))
	b, _ := store.Insert(ctx, "q", testMessage("b"))
	c, _ := store.Insert(ctx, "q", testMessage("c"))
	_, _ = store.Insert(ctx, "other", testMessage("x"))

	require.NoError(t, store.Acknowledge(ctx, "q", a.ID))
	require.NoError(t, store.Abandon(ctx, "q", b.ID, time.Now()))

	pending, err := store.Pending(ctx, "q")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)
}

func TestMemoryStoreUpdateAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	row, _ := store.Insert(ctx, "q", testMessage("a"))

	require.NoError(t, store.UpdateAttempts(ctx, "q", row.ID, 3))
	got, ok := store.Row("q", row.ID)
	require.True(t, ok)
	assert.Equal(t, 3, got.Attempts)
}

func TestMemoryStoreUnknownRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	assert.ErrorIs(t, store.UpdateAttempts(ctx, "q", 42, 1), ErrRowNotFound)
	assert.ErrorIs(t, store.Acknowledge(ctx, "q", 42), ErrRowNotFound)
	assert.ErrorIs(t, store.Abandon(ctx, "q", 42, time.Now()), ErrRowNotFound)
}

func TestMemoryStoreAcknowledgeDeletes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	row, _ := store.Insert(ctx, "q", testMessage("a"))
	require.NoError(t, store.Acknowledge(ctx, "q", row.ID))
	_, ok := store.Row("q", row.ID)
	assert.False(t, ok, "acknowledged rows are deleted, not marked")
}
