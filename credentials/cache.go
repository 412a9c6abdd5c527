// Package credentials stores verifier session handles keyed by
// (asset, service). Sessions are created by the external credential
// verifier; the engine only caches the handles, honors per-key skip
// flags, and invalidates entries when verification fails or the user
// asks for it.
package credentials

import (
	"context"
	"sync"

	"github.com/pelagos-market/pelagos/types"
)

// SessionCache is the engine-owned session store. Lookups happen
// concurrently during the pricing/escrow fan-out, so implementations
// must support concurrent reads with serialized writes.
type SessionCache interface {
	// Lookup returns the cached session for the pair, or false.
	Lookup(ctx context.Context, assetID, serviceID string) (types.CredentialSession, bool)
	// LookupSkip reports whether verification is skipped for the pair.
	LookupSkip(ctx context.Context, assetID, serviceID string) bool
	// Put stores or replaces the session for its pair.
	Put(ctx context.Context, session types.CredentialSession) error
	// Invalidate drops the session for one pair.
	Invalidate(ctx context.Context, assetID, serviceID string) error
	// Clear drops every cached session for the current user.
	Clear(ctx context.Context) error
}

// MemoryCache is the default process-scoped session cache.
type MemoryCache struct {
	mu       sync.RWMutex
	sessions map[string]types.CredentialSession
}

// NewMemoryCache creates an empty in-memory session cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]types.CredentialSession)}
}

func (c *MemoryCache) Lookup(_ context.Context, assetID, serviceID string) (types.CredentialSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[types.OrderKey(assetID, serviceID)]
	return s, ok
}

func (c *MemoryCache) LookupSkip(ctx context.Context, assetID, serviceID string) bool {
	s, ok := c.Lookup(ctx, assetID, serviceID)
	return ok && s.SkipVerify
}

func (c *MemoryCache) Put(_ context.Context, session types.CredentialSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[types.OrderKey(session.AssetID, session.ServiceID)] = session
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, assetID, serviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, types.OrderKey(assetID, serviceID))
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]types.CredentialSession)
	return nil
}
