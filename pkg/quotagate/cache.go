package quotagate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cachedLimits wraps a resolved limits value with its refresh time.
type cachedLimits struct {
	limits      Limits
	refreshedAt time.Time
}

// LimitsCache shields the store from repeated limits lookups on the hot
// path. It holds limits only, never usage counters; those are authoritative
// in the store and change on every request.
//
// The cache is per process. Entries may be stale for up to one TTL after an
// administrative update; the admin write path invalidates best-effort.
type LimitsCache struct {
	store    Store
	ttl      time.Duration
	defaults Limits

	mu      sync.RWMutex
	entries map[string]cachedLimits
	group   singleflight.Group
}

// NewLimitsCache creates a cache over store. A zero ttl means 60 seconds.
func NewLimitsCache(store Store, ttl time.Duration, defaults Limits) *LimitsCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if defaults == (Limits{}) {
		defaults = DefaultLimits()
	}
	return &LimitsCache{
		store:    store,
		ttl:      ttl,
		defaults: defaults,
		entries:  make(map[string]cachedLimits),
	}
}

// Get returns the user's limits, refreshing from the store when the cached
// entry is older than the TTL. A store miss synthesizes the built-in
// defaults and caches them, so new users are not a per-request database
// miss. Concurrent refreshes for the same user collapse into one query.
func (c *LimitsCache) Get(ctx context.Context, userID string) (Limits, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && time.Since(entry.refreshedAt) < c.ttl {
		return entry.limits, nil
	}

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		limits, err := c.store.GetLimits(ctx, userID)
		if err != nil {
			return Limits{}, err
		}
		resolved := c.defaults
		if limits != nil {
			resolved = *limits
		}
		resolved.UserID = userID

		c.mu.Lock()
		c.entries[userID] = cachedLimits{limits: resolved, refreshedAt: time.Now()}
		c.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return Limits{}, err
	}
	return v.(Limits), nil
}

// Invalidate removes a user's entry. Called by the admin write path.
func (c *LimitsCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *LimitsCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedLimits)
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired or not.
func (c *LimitsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
