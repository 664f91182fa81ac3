package authz

import (
	"sync"
	"time"
)

// PermCache is a short-TTL in-memory cache for resolved permission sets.
// It eliminates a DB join per guarded request by caching each user's
// effective permissions.
//
// Key: user UUID string (from JWT subject).
// Value: permission names + expiry time. An empty slice is a valid cached
// value (a user with no permissions) and is distinguishable from a miss.
type PermCache struct {
	mu      sync.RWMutex
	entries map[string]cachedPerms
	ttl     time.Duration
	done    chan struct{}
}

type cachedPerms struct {
	perms     []string
	expiresAt time.Time
}

// NewPermCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewPermCache(ttl time.Duration) *PermCache {
	c := &PermCache{
		entries: make(map[string]cachedPerms),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached permission set and true if a valid entry exists.
// Returns nil, false on miss or expiry.
func (c *PermCache) Get(key string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.perms, true
}

// Set stores a permission set with the configured TTL.
func (c *PermCache) Set(key string, perms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedPerms{
		perms:     perms,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a single entry so the next lookup hits the database.
func (c *PermCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the background eviction goroutine.
func (c *PermCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *PermCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *PermCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
