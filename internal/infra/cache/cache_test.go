package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/cache"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[*domain.CaseReport](5 * time.Minute)
	defer c.Stop()

	c.Set("case-1", &domain.CaseReport{CaseID: "case-1"})
	val, ok := c.Get("case-1")
	if !ok {
		t.Fatal("expected case-1 to be cached")
	}
	if val.CaseID != "case-1" {
		t.Errorf("expected case-1, got %q", val.CaseID)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[*domain.CaseReport](5 * time.Minute)
	defer c.Stop()

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected a miss for an unknown case")
	}
}

func TestCache_ExpiryReportsEviction(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	var evicted []string
	c := cache.New[string](time.Hour, cache.WithClock(clock.Now), cache.WithOnEvict(func(k string) {
		evicted = append(evicted, k)
	}))
	defer c.Stop()

	c.Set("case-1", "r1")
	c.Set("case-2", "r2")
	clock.Advance(30 * time.Minute)
	c.Set("case-2", "r2'") // restarts the TTL of case-2
	clock.Advance(45 * time.Minute)

	if _, ok := c.Get("case-1"); ok {
		t.Fatal("expected case-1 to be expired")
	}
	if v, ok := c.Get("case-2"); !ok || v != "r2'" {
		t.Fatalf("expected refreshed case-2, got %q, %v", v, ok)
	}
	if len(evicted) != 1 || evicted[0] != "case-1" {
		t.Errorf("expected [case-1] evicted, got %v", evicted)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "case-2" {
		t.Errorf("expected [case-2], got %v", keys)
	}
}

func TestCache_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := cache.New[int](time.Minute, cache.WithClock(clock.Now))
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(2 * time.Minute)
	c.Sweep()

	if c.Len() != 0 {
		t.Errorf("expected an empty cache after sweep, got %d entries", c.Len())
	}
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := cache.New[int](time.Hour, cache.WithMaxEntries(2), cache.WithOnEvict(func(k string) {
		evicted = append(evicted, k)
	}))
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // b is now the least recently used
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s to be kept", k)
		}
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("expected [b] evicted, got %v", evicted)
	}
}

func TestCache_Delete(t *testing.T) {
	var evicted int
	c := cache.New[string](5*time.Minute, cache.WithOnEvict(func(string) { evicted++ }))
	defer c.Stop()

	c.Set("key1", "value1")
	c.Delete("key1")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected key to be deleted")
	}
	if evicted != 0 {
		t.Errorf("expected delete not to count as eviction, got %d", evicted)
	}
}

func TestCache_KeysSorted(t *testing.T) {
	c := cache.New[int](5 * time.Minute)

	c.Set("b", 2)
	c.Set("a", 1)
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected [a b], got %v", keys)
	}
	c.Stop()
	c.Stop()
}
