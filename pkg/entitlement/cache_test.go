package entitlement

import (
	"testing"
	"time"
)

func TestLRUCache_GetSetInvalidate(t *testing.T) {
	cache := NewLRUCache(10)

	if _, found := cache.Get("T1"); found {
		t.Error("Expected cache miss for non-existent entitlement")
	}

	cache.Set("T1", &Entitlement{TenantID: "T1", Status: StatusActive, PlanTier: TierPro}, time.Minute)

	cached, found := cache.Get("T1")
	if !found {
		t.Fatal("Expected cache hit")
	}
	if cached.TenantID != "T1" || cached.PlanTier != TierPro {
		t.Errorf("Cached entitlement mismatch: got %+v", cached)
	}

	cache.Invalidate("T1")
	if _, found := cache.Get("T1"); found {
		t.Error("Expected cache miss after invalidation")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLRUCache_Expiration(t *testing.T) {
	cache := NewLRUCache(10)
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("T1", Default("T1"), time.Second)
	if _, found := cache.Get("T1"); !found {
		t.Fatal("Expected cache hit before expiry")
	}

	now = now.Add(2 * time.Second)
	if _, found := cache.Get("T1"); found {
		t.Error("Expected cache miss after expiry")
	}
	if cache.Stats().Size != 0 {
		t.Error("Expired entry should be dropped")
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(2)

	cache.Set("T1", Default("T1"), time.Minute)
	cache.Set("T2", Default("T2"), time.Minute)
	cache.Get("T1") // T2 is now least recently used
	cache.Set("T3", Default("T3"), time.Minute)

	if _, found := cache.Get("T2"); found {
		t.Error("Expected T2 to be evicted")
	}
	if _, found := cache.Get("T1"); !found {
		t.Error("Expected T1 to survive")
	}
	if got := cache.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestLRUCache_ReturnsCopies(t *testing.T) {
	cache := NewLRUCache(10)
	ent := &Entitlement{TenantID: "T1", Status: StatusActive}
	cache.Set("T1", ent, time.Minute)

	ent.Status = StatusCanceled
	got, _ := cache.Get("T1")
	if got.Status != StatusActive {
		t.Error("cache must store a copy")
	}

	got.Status = StatusPastDue
	again, _ := cache.Get("T1")
	if again.Status != StatusActive {
		t.Error("cache must return a copy")
	}
}

func TestLRUCache_IgnoresInvalidSet(t *testing.T) {
	cache := NewLRUCache(10)
	cache.Set("T1", nil, time.Minute)
	cache.Set("T2", Default("T2"), 0)
	if cache.Stats().Size != 0 {
		t.Error("nil entry or zero ttl must not be cached")
	}
}

func TestNoopCache(t *testing.T) {
	var c Cache = NoopCache{}
	c.Set("T1", Default("T1"), time.Minute)
	if _, found := c.Get("T1"); found {
		t.Error("NoopCache must never hit")
	}
}
