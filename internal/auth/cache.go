package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PermissionKey identifies a cached permission set. A role permission change
// bumps RoleVersion and a role reassignment changes RoleID, so either one
// moves lookups to a fresh key.
type PermissionKey struct {
	UserID      string
	TenantID    string
	RoleID      string
	RoleVersion int64
}

// PermissionCache stores resolved permission sets.
type PermissionCache interface {
	Get(ctx context.Context, key PermissionKey) (PermissionSet, bool, error)
	Put(ctx context.Context, key PermissionKey, set PermissionSet) error
	// InvalidateMembership drops every entry for (userID, tenantID).
	InvalidateMembership(ctx context.Context, userID, tenantID string) error
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
	Size          int
}

type cachedSet struct {
	set      PermissionSet
	cachedAt time.Time
}

// MemoryPermissionCache is a process-local PermissionCache with a TTL.
type MemoryPermissionCache struct {
	mu      sync.RWMutex
	entries map[PermissionKey]cachedSet
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits          int64
	misses        int64
	invalidations int64
}

// NewMemoryPermissionCache returns a cache holding at most maxSize entries for
// ttl each. Zero values select 5 minutes and 10000 entries.
func NewMemoryPermissionCache(ttl time.Duration, maxSize int) *MemoryPermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryPermissionCache{
		entries: make(map[PermissionKey]cachedSet),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryPermissionCache) Get(_ context.Context, key PermissionKey) (PermissionSet, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.cachedAt) > c.ttl {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.set.Clone(), true, nil
}

func (c *MemoryPermissionCache) Put(_ context.Context, key PermissionKey, set PermissionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
		if len(c.entries) >= c.maxSize {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}
	c.entries[key] = cachedSet{set: set.Clone(), cachedAt: c.now()}
	return nil
}

func (c *MemoryPermissionCache) InvalidateMembership(_ context.Context, userID, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.UserID == userID && k.TenantID == tenantID {
			delete(c.entries, k)
		}
	}
	atomic.AddInt64(&c.invalidations, 1)
	return nil
}

func (c *MemoryPermissionCache) evictExpiredLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.cachedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// Stats returns current counters.
func (c *MemoryPermissionCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		Size:          size,
	}
}
