package credentials_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pelagos-market/pelagos/credentials"
	"github.com/pelagos-market/pelagos/types"
)

func session(assetID, serviceID, id string, skip bool) types.CredentialSession {
	return types.CredentialSession{
		AssetID:    assetID,
		ServiceID:  serviceID,
		SessionID:  id,
		SkipVerify: skip,
	}
}

// TestMemoryCache_IdempotentLookup checks that repeated lookups with no
// intervening write return the same handle.
func TestMemoryCache_IdempotentLookup(t *testing.T) {
	cache := credentials.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-1", "sess-abc", false)))

	first, ok := cache.Lookup(ctx, "did:op:a", "svc-1")
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		got, ok := cache.Lookup(ctx, "did:op:a", "svc-1")
		require.True(t, ok)
		require.Equal(t, first, got)
	}
}

// TestMemoryCache_KeyedByPair checks there is no cross-asset or
// cross-service sharing.
func TestMemoryCache_KeyedByPair(t *testing.T) {
	cache := credentials.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-1", "sess-1", false)))
	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-2", "sess-2", false)))
	require.NoError(t, cache.Put(ctx, session("did:op:b", "svc-1", "sess-3", false)))

	got, ok := cache.Lookup(ctx, "did:op:a", "svc-1")
	require.True(t, ok)
	require.Equal(t, "sess-1", got.SessionID)

	got, ok = cache.Lookup(ctx, "did:op:a", "svc-2")
	require.True(t, ok)
	require.Equal(t, "sess-2", got.SessionID)

	_, ok = cache.Lookup(ctx, "did:op:b", "svc-2")
	require.False(t, ok)
}

// TestMemoryCache_SkipFlag checks the per-key skip flag.
func TestMemoryCache_SkipFlag(t *testing.T) {
	cache := credentials.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-1", "sess-1", true)))
	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-2", "sess-2", false)))

	require.True(t, cache.LookupSkip(ctx, "did:op:a", "svc-1"))
	require.False(t, cache.LookupSkip(ctx, "did:op:a", "svc-2"))
	require.False(t, cache.LookupSkip(ctx, "did:op:missing", "svc-1"))
}

// TestMemoryCache_InvalidateAndClear checks manual invalidation paths.
func TestMemoryCache_InvalidateAndClear(t *testing.T) {
	cache := credentials.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-1", "sess-1", false)))
	require.NoError(t, cache.Put(ctx, session("did:op:b", "svc-1", "sess-2", false)))

	require.NoError(t, cache.Invalidate(ctx, "did:op:a", "svc-1"))
	_, ok := cache.Lookup(ctx, "did:op:a", "svc-1")
	require.False(t, ok)
	_, ok = cache.Lookup(ctx, "did:op:b", "svc-1")
	require.True(t, ok)

	require.NoError(t, cache.Clear(ctx))
	_, ok = cache.Lookup(ctx, "did:op:b", "svc-1")
	require.False(t, ok)
}

// TestMemoryCache_ConcurrentReads exercises the cache under the same
// parallel fan-out pattern the orchestrator uses.
func TestMemoryCache_ConcurrentReads(t *testing.T) {
	cache := credentials.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, session("did:op:a", "svc-1", "sess-1", false)))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, ok := cache.Lookup(ctx, "did:op:a", "svc-1")
				if !ok || got.SessionID != "sess-1" {
					t.Error("concurrent lookup returned wrong session")
					return
				}
				cache.LookupSkip(ctx, "did:op:a", "svc-1")
			}
		}()
	}

	// Serialized writes alongside the readers.
	for i := 0; i < 10; i++ {
		require.NoError(t, cache.Put(ctx, session("did:op:b", "svc-1", "sess-2", false)))
	}
	wg.Wait()
}
