package apikey

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(ttl time.Duration) *Cache {
	// Long cleanup interval so the janitor never interferes with tests;
	// expiry is still enforced lazily by Get.
	c := NewCache(ttl, time.Hour)
	return c
}

func testMeta(customer string) *Metadata {
	return &Metadata{CustomerID: customer, RateLimit: 100, Active: true, Permissions: []string{}}
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	c.Put("key-a", testMeta("cust-a"))

	meta, ok := c.Get("key-a")
	if !ok {
		t.Fatal("Get() miss for freshly stored entry")
	}
	if meta.CustomerID != "cust-a" {
		t.Errorf("CustomerID = %q, want cust-a", meta.CustomerID)
	}
}

func TestCache_MissForUnknownKey(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	if _, ok := c.Get("never-stored"); ok {
		t.Error("Get() hit for a key that was never stored")
	}
}

func TestCache_EntriesExpire(t *testing.T) {
	c := newTestCache(30 * time.Millisecond)
	defer c.Stop()

	c.Put("key-a", testMeta("cust-a"))
	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("key-a"); ok {
		t.Error("Get() hit for an expired entry")
	}
}

func TestCache_Evict(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	c.Put("key-a", testMeta("cust-a"))
	c.Put("key-b", testMeta("cust-b"))

	if !c.Evict("key-a") {
		t.Error("Evict() = false for present entry, want true")
	}
	if c.Evict("key-a") {
		t.Error("Evict() = true for already-evicted entry, want false")
	}

	if _, ok := c.Get("key-a"); ok {
		t.Error("evicted entry still retrievable")
	}
	if _, ok := c.Get("key-b"); !ok {
		t.Error("unrelated entry lost after Evict()")
	}
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("key-%d", i), testMeta("cust"))
	}

	if n := c.Clear(); n != 5 {
		t.Errorf("Clear() = %d, want 5", n)
	}
	for i := 0; i < 5; i++ {
		if _, ok := c.Get(fmt.Sprintf("key-%d", i)); ok {
			t.Errorf("entry key-%d survived Clear()", i)
		}
	}
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	c.Put("key-a", testMeta("cust-a"))
	c.Get("key-a")    // hit
	c.Get("key-a")    // hit
	c.Get("unknown")  // miss
	c.Evict("key-a")  // eviction

	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("Entries = %d, want 0", stats.Entries)
	}
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

// The cache must tolerate unbounded concurrent access from request goroutines
// and the admin invalidation surface at the same time.
func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%4)
			for j := 0; j < 200; j++ {
				switch j % 4 {
				case 0:
					c.Put(key, testMeta("cust"))
				case 1:
					c.Get(key)
				case 2:
					c.Evict(key)
				case 3:
					c.Stats()
				}
			}
		}()
	}
	wg.Wait()
}

func TestCache_JanitorRemovesExpiredEntries(t *testing.T) {
	c := NewCache(20*time.Millisecond, 30*time.Millisecond)
	defer c.Stop()

	c.Put("key-a", testMeta("cust-a"))

	// Give the janitor a couple of ticks to run.
	time.Sleep(120 * time.Millisecond)

	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("Entries = %d after janitor window, want 0", stats.Entries)
	}
}
