package entitlement

import (
	"container/list"
	"sync"
	"time"
)

// Cache holds recently read entitlements for the access gate.
type Cache interface {
	// Get returns a copy of the cached record and true on a fresh hit.
	Get(tenantID string) (*Entitlement, bool)

	// Set stores a copy of ent for ttl.
	Set(tenantID string, ent *Entitlement, ttl time.Duration)

	// Invalidate drops the tenant's entry.
	Invalidate(tenantID string)

	// Stats returns cache counters.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopCache is a cache implementation that does nothing
type NoopCache struct{}

func (NoopCache) Get(_ string) (*Entitlement, bool) {
	return nil, false
}

func (NoopCache) Set(_ string, _ *Entitlement, _ time.Duration) {}

func (NoopCache) Invalidate(_ string) {}

func (NoopCache) Stats() CacheStats {
	return CacheStats{}
}

type lruEntry struct {
	tenantID   string
	value      *Entitlement
	expiration time.Time
}

// LRUCache is a size-bounded TTL cache with least-recently-used eviction.
type LRUCache struct {
	mu        sync.Mutex
	max       int
	order     *list.List
	items     map[string]*list.Element
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
}

// NewLRUCache creates a cache holding at most maxEntries records.
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		max:   maxEntries,
		order: list.New(),
		items: make(map[string]*list.Element, maxEntries),
		now:   time.Now,
	}
}

func (c *LRUCache) Get(tenantID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[tenantID]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.now().After(entry.expiration) {
		c.order.Remove(el)
		delete(c.items, tenantID)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.value.Clone(), true
}

func (c *LRUCache) Set(tenantID string, ent *Entitlement, ttl time.Duration) {
	if ent == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.now().Add(ttl)
	if el, ok := c.items[tenantID]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = ent.Clone()
		entry.expiration = exp
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.max {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).tenantID)
			c.evictions++
		}
	}
	c.items[tenantID] = c.order.PushFront(&lruEntry{tenantID: tenantID, value: ent.Clone(), expiration: exp})
}

func (c *LRUCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[tenantID]; ok {
		c.order.Remove(el)
		delete(c.items, tenantID)
	}
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}
