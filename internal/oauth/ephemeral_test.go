package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(time.Hour, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{"uid": "u-1"}, time.Minute))

	payload, err := store.Get(ctx, "Session", "s1")
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "u-1", payload.UID())

	// Same id under another model is a different record.
	payload, err = store.Get(ctx, "Interaction", "s1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{"uid": "u-1"}, 20*time.Millisecond))
	require.NoError(t, store.Set(ctx, "Session", "forever", Payload{"uid": "u-2"}, 0))

	time.Sleep(40 * time.Millisecond)

	payload, err := store.Get(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.Nil(t, payload)

	// Zero TTL means no expiry.
	payload, err = store.Get(ctx, "Session", "forever")
	require.NoError(t, err)
	assert.NotNil(t, payload)

	// The expired entry was dropped lazily on Get.
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreFindPredicate(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{"uid": "u-1"}, time.Minute))
	require.NoError(t, store.Set(ctx, "Session", "s2", Payload{"uid": "u-2"}, time.Minute))
	require.NoError(t, store.Set(ctx, "Interaction", "i1", Payload{"uid": "u-2"}, time.Minute))

	payload, err := store.Find(ctx, "Session", func(p Payload) bool { return p.UID() == "u-2" })
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "u-2", payload.UID())

	payload, err = store.Find(ctx, "Session", func(p Payload) bool { return p.UID() == "nobody" })
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{"uid": "u-1"}, time.Minute))
	require.NoError(t, store.Delete(ctx, "Session", "s1"))
	require.NoError(t, store.Delete(ctx, "Session", "s1"), "deleting an absent record is not an error")

	payload, err := store.Get(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestMemoryStoreDeleteByGrantID(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{"uid": "u-1", "grantId": "g1"}, time.Minute))
	require.NoError(t, store.Set(ctx, "Interaction", "i1", Payload{"grantId": "g1"}, time.Minute))
	require.NoError(t, store.Set(ctx, "Session", "s2", Payload{"uid": "u-2", "grantId": "g2"}, time.Minute))

	removed, err := store.DeleteByGrantID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Len())

	removed, err = store.DeleteByGrantID(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, removed, "empty grant id must not match records without one")
}

func TestMemoryStoreConsume(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Interaction", "i1", Payload{"uid": "u-1"}, time.Minute))
	require.NoError(t, store.Consume(ctx, "Interaction", "i1"))
	assert.ErrorIs(t, store.Consume(ctx, "Interaction", "i1"), ErrReplayDetected)
	assert.ErrorIs(t, store.Consume(ctx, "Interaction", "missing"), ErrNotFound)

	payload, err := store.Get(ctx, "Interaction", "i1")
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Contains(t, payload, "consumedAt")
}

func TestMemoryStoreConsumeKeepsRemainingTTL(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Interaction", "i1", Payload{}, 40*time.Millisecond))
	require.NoError(t, store.Consume(ctx, "Interaction", "i1"))

	time.Sleep(60 * time.Millisecond)
	payload, err := store.Get(ctx, "Interaction", "i1")
	require.NoError(t, err)
	assert.Nil(t, payload, "consumption must not extend the record's lifetime")
	assert.ErrorIs(t, store.Consume(ctx, "Interaction", "i1"), ErrNotFound)
}

func TestMemoryStoreConsumeSingleWinner(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "Interaction", "i1", Payload{"uid": "u-1"}, time.Minute))

	const callers = 16
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			results <- store.Consume(ctx, "Interaction", "i1")
		}()
	}
	start.Done()

	successes := 0
	for i := 0; i < callers; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrReplayDetected)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestMemoryStorePayloadsDoNotAlias(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	original := Payload{"uid": "u-1"}
	require.NoError(t, store.Set(ctx, "Session", "s1", original, time.Minute))
	original["uid"] = "tampered"

	payload, err := store.Get(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", payload.UID())

	// Mutating a returned payload does not touch the stored record either.
	payload["uid"] = "also-tampered"
	payload, err = store.Get(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", payload.UID())
}

func TestMemoryStoreReadDuringConsume(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Interaction", "i1",
		Payload{"uid": "u-1", "loginHint": "x", "returnTo": "/y"}, time.Minute))

	payload, err := store.Get(ctx, "Interaction", "i1")
	require.NoError(t, err)

	// Iterating a previously returned payload while the record is consumed
	// must be safe: the store hands out copies, never its own map.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			for range payload {
			}
		}
	}()
	require.NoError(t, store.Consume(ctx, "Interaction", "i1"))
	<-done
}

func TestMemoryStoreSweep(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Session", "s1", Payload{}, 10*time.Millisecond))
	require.NoError(t, store.Set(ctx, "Session", "s2", Payload{}, 10*time.Millisecond))
	require.NoError(t, store.Set(ctx, "Session", "s3", Payload{}, time.Hour))

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 2, store.Sweep())
	assert.Equal(t, 1, store.Len())
	assert.Zero(t, store.Sweep())
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
