package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb), mr
}

func TestLedger_RefreshSlot_OverwriteAndRevoke(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreRefresh(ctx, "u1", "token-a", time.Hour))

	got, err := l.GetRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "token-a", got)

	// Single-slot semantics: a second store replaces the first.
	require.NoError(t, l.StoreRefresh(ctx, "u1", "token-b", time.Hour))
	got, err = l.GetRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "token-b", got)

	require.NoError(t, l.RevokeRefresh(ctx, "u1"))
	got, err = l.GetRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Revoking an empty slot is fine.
	require.NoError(t, l.RevokeRefresh(ctx, "u1"))
}

func TestLedger_GetRefresh_ExpiredSlotIsAbsent(t *testing.T) {
	t.Parallel()

	l, mr := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreRefresh(ctx, "u1", "token-a", time.Minute))
	mr.FastForward(2 * time.Minute)

	got, err := l.GetRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLedger_RotateRefresh_CompareAndSwap(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreRefresh(ctx, "u1", "old", time.Hour))

	ok, err := l.RotateRefresh(ctx, "u1", "old", "new", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replay of the consumed token no longer matches the slot.
	ok, err = l.RotateRefresh(ctx, "u1", "old", "newer", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := l.GetRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestLedger_RotateRefresh_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreRefresh(ctx, "u1", "stale", time.Hour))

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan int, attempts)

	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.RotateRefresh(ctx, "u1", "stale", "winner", time.Hour)
			require.NoError(t, err)
			if ok {
				wins <- i
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestLedger_ResetToken_SingleUse(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreResetToken(ctx, "u1", "reset-token", time.Hour))

	got, err := l.GetResetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "reset-token", got)

	consumed, err := l.ConsumeResetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "reset-token", consumed)

	// Second consumption finds nothing.
	consumed, err = l.ConsumeResetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, consumed)
}

func TestLedger_ResetToken_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	l, mr := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StoreResetToken(ctx, "u1", "reset-token", time.Hour))
	mr.FastForward(time.Hour + time.Minute)

	got, err := l.GetResetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
