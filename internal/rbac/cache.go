package rbac

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCacheTTL is the maximum age of a cached snapshot.
const DefaultCacheTTL = 15 * time.Minute

// DefaultCacheSize bounds the number of cached users.
const DefaultCacheSize = 10000

// CacheStats is a diagnostic view of the cache.
type CacheStats struct {
	Size    int     `json:"size"`
	UserIDs []int64 `json:"user_ids"`
}

// CacheOption customises a PermissionCache.
type CacheOption func(*PermissionCache)

// WithClock overrides the time source used for stamping and expiry.
func WithClock(clock func() time.Time) CacheOption {
	return func(c *PermissionCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// PermissionCache is the process-wide store of resolved snapshots keyed by user
// id. Expiry is checked lazily on read. Construct one per process and share it
// between the resolver, guard and invalidator.
type PermissionCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	items *simplelru.LRU[int64, *PermissionSnapshot]
	clock func() time.Time
}

// NewPermissionCache constructs a cache. Non-positive ttl or size fall back to defaults.
func NewPermissionCache(ttl time.Duration, size int, opts ...CacheOption) *PermissionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	items, err := simplelru.NewLRU[int64, *PermissionSnapshot](size, nil)
	if err != nil {
		// only fails for non-positive sizes, which are replaced above
		panic(err)
	}
	c := &PermissionCache{
		ttl:   ttl,
		items: items,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *PermissionCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached snapshot for userID. Entries whose age reached the TTL
// are evicted and reported as absent.
func (c *PermissionCache) Get(userID int64) (*PermissionSnapshot, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.items.Get(userID)
	if !ok {
		return nil, false
	}
	if !c.clock().Before(snap.LastUpdated.Add(c.ttl)) {
		c.items.Remove(userID)
		return nil, false
	}
	return snap, true
}

// Set stores a copy of snap stamped with the current time and returns the
// stored snapshot. Any LastUpdated supplied by the caller is ignored.
func (c *PermissionCache) Set(userID int64, snap *PermissionSnapshot) *PermissionSnapshot {
	if c == nil || snap == nil {
		return snap
	}
	stored := *snap
	stored.UserID = userID
	c.mu.Lock()
	stored.LastUpdated = c.clock()
	c.items.Add(userID, &stored)
	c.mu.Unlock()
	return &stored
}

// Delete removes the entry for userID if present.
func (c *PermissionCache) Delete(userID int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items.Remove(userID)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *PermissionCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items.Purge()
	c.mu.Unlock()
}

// Stats reports the number of entries and the cached user ids.
func (c *PermissionCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	ids := c.items.Keys()
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return CacheStats{Size: len(ids), UserIDs: ids}
}
