package trackable

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestAddTrackable_FactoryRunsOnlyOnceAcrossConcurrentCallers(t *testing.T) {
	r := New[string, int]()
	var calls int64

	var wg sync.WaitGroup
	results := make([]int, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.AddTrackable("shared", func() int {
				atomic.AddInt64(&calls, 1)
				return 42
			})
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected factory to run exactly once, ran %d times", calls)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d, want 42", i, v)
		}
	}
}

func TestRemoveTrackable(t *testing.T) {
	r := New[string, int]()
	r.AddTrackable("k", func() int { return 1 })

	v, ok := r.RemoveTrackable("k")
	if !ok || v != 1 {
		t.Fatalf("expected to remove existing entry, got %v, %v", v, ok)
	}

	if _, ok := r.Get("k"); ok {
		t.Fatal("expected entry to be gone after RemoveTrackable")
	}
}

func TestKeys(t *testing.T) {
	r := New[string, int]()
	r.AddTrackable("a", func() int { return 1 })
	r.AddTrackable("b", func() int { return 2 })

	keys := r.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
