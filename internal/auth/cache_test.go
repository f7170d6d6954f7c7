package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	cache := NewKeyCache(time.Minute)
	cache.Set("digest-1", "ci")

	result := cache.Get("digest-1")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Error("fresh entry should not need refresh")
	}
	if result.KeyID != "ci" {
		t.Errorf("expected ci, got %s", result.KeyID)
	}
}

func TestCache_Miss(t *testing.T) {
	result := NewKeyCache(time.Minute).Get("unknown")
	if result.Hit || result.NeedsRefresh || result.KeyID != "" {
		t.Errorf("expected empty miss, got %+v", result)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	cache := NewKeyCache(time.Millisecond)
	cache.Set("digest-1", "ci")
	time.Sleep(5 * time.Millisecond)

	r1 := cache.Get("digest-1")
	if !r1.Hit || !r1.NeedsRefresh {
		t.Fatalf("first stale read should hit and signal refresh, got %+v", r1)
	}

	r2 := cache.Get("digest-1")
	if !r2.Hit {
		t.Fatal("expected stale hit on second read")
	}
	if r2.NeedsRefresh {
		t.Error("second stale read should not signal refresh")
	}
	if r2.KeyID != "ci" {
		t.Error("stale read should still return the key id")
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache := NewKeyCache(time.Millisecond)
	cache.Set("digest-1", "ci")
	time.Sleep(5 * time.Millisecond)
	cache.Get("digest-1")

	cache.Set("digest-1", "ci")
	// The new entry has a fresh refreshing flag even once it expires.
	time.Sleep(5 * time.Millisecond)
	if r := cache.Get("digest-1"); !r.NeedsRefresh {
		t.Error("a re-set entry should be refreshable again")
	}
}

func TestCache_Delete(t *testing.T) {
	cache := NewKeyCache(time.Minute)
	cache.Set("digest-1", "ci")
	cache.Delete("digest-1")
	if cache.Get("digest-1").Hit {
		t.Error("expected miss after delete")
	}
}

func TestCache_ConcurrentStaleRefresh(t *testing.T) {
	cache := NewKeyCache(time.Millisecond)
	cache.Set("digest-1", "ci")
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var refreshCount atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := cache.Get("digest-1")
			if result.NeedsRefresh {
				refreshCount.Add(1)
			}
			if !result.Hit {
				t.Error("expected stale hit")
			}
		}()
	}
	wg.Wait()

	if n := refreshCount.Load(); n != 1 {
		t.Errorf("expected exactly 1 refresh signal, got %d", n)
	}
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	cache := NewKeyCache(5 * time.Minute)
	cache.Set("digest-bench", "bench")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !cache.Get("digest-bench").Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
