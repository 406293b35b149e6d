package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perSecond float64, burst int) *MemoryLimiter {
	t.Helper()
	l := NewMemoryLimiter(perSecond, burst, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestMemoryLimiterBurstThenReject(t *testing.T) {
	// Practically zero refill, so only the burst is spendable.
	l := newTestLimiter(t, 0.001, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 3, d.Limit)
	}

	d, err := l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.True(t, d.Reset.After(time.Now()))
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 0.001, 1)
	ctx := context.Background()

	d, err := l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// A different key has its own bucket.
	d, err = l.Allow(ctx, "key-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterRefill(t *testing.T) {
	l := newTestLimiter(t, 50, 1)
	ctx := context.Background()

	d, err := l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// 50/s refills a token within 20ms.
	time.Sleep(40 * time.Millisecond)
	d, err = l.Allow(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterCleanupDropsIdleEntries(t *testing.T) {
	l := newTestLimiter(t, 1, 1)
	l.idleTTL = 10 * time.Millisecond
	ctx := context.Background()

	_, err := l.Allow(ctx, "stale")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = l.Allow(ctx, "fresh")
	require.NoError(t, err)

	l.cleanup()

	l.mu.Lock()
	_, staleKept := l.buckets["stale"]
	_, freshKept := l.buckets["fresh"]
	l.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	l := NewMemoryLimiter(1, 1, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
