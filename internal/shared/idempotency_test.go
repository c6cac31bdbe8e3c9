package shared

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, store.CheckAndInsert(ctx, "", "payments"))
	require.NoError(t, store.CheckAndInsert(ctx, "k1", "payments"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k1", "payments"), ErrIdempotencyConflict)

	now = now.Add(2 * time.Hour)
	require.NoError(t, store.CheckAndInsert(ctx, "k2", "payments"))

	require.NoError(t, store.Cleanup(ctx, time.Hour))
	require.NoError(t, store.CheckAndInsert(ctx, "k1", "payments"), "expired keys are released")
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k2", "payments"), ErrIdempotencyConflict)

	require.NoError(t, store.Delete(ctx, "k2"))
	require.NoError(t, store.CheckAndInsert(ctx, "k2", "payments"))
}
