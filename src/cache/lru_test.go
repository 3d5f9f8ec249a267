package cache

import (
	"testing"
	"time"
)

func BenchmarkLRU_Set(b *testing.B) {
	c := New[string](1000, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(HashKey(string(rune(i))), "value")
	}
}

func BenchmarkLRU_ConcurrentAccess(b *testing.B) {
	c := New[string](1000, 5*time.Minute)
	for i := 0; i < 100; i++ {
		c.Set(HashKey(string(rune(i))), "value")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := HashKey(string(rune(i % 100)))
			if i%2 == 0 {
				c.Get(key)
			} else {
				c.Set(key, "value")
			}
			i++
		}
	})
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](3, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("expected %s to be cached", key)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("expected len 3, got %d", c.Len())
	}
}

func TestLRU_Expiry(t *testing.T) {
	c := New[string](2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected cached value, got %q %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len=%d", c.Len())
	}
}

func TestLRU_ZeroTTLNeverExpires(t *testing.T) {
	c := New[int](1, 0)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	c.Set("k", 1)
	now = now.Add(24 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("zero ttl entries should not expire")
	}
}

func TestLRU_GetOrSetComputesOnce(t *testing.T) {
	c := New[string](4, 0)
	calls := 0
	compute := func() string {
		calls++
		return "rendered"
	}

	for i := 0; i < 3; i++ {
		if got := c.GetOrSet("k", compute); got != "rendered" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one compute, got %d", calls)
	}

	c.Delete("k")
	c.GetOrSet("k", compute)
	if calls != 2 {
		t.Fatalf("expected recompute after delete, got %d", calls)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatal("expected empty cache after Clear")
	}
}

func TestHashKeyStable(t *testing.T) {
	if HashKey("abc") != HashKey("abc") {
		t.Fatal("hash should be deterministic")
	}
	if HashKey("abc") == HashKey("abd") {
		t.Fatal("distinct inputs should hash differently")
	}
	if len(HashKey("")) != 64 {
		t.Fatal("expected hex-encoded sha256")
	}
}
