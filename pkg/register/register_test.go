package register

import "testing"

func TestRegister_IdempotentReturnsExistingIndex(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx1, err := r.Register("/a/b.txt")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	idx2, err := r.Register("/a/b.txt")
	if err != nil {
		t.Fatalf("Register (second): %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("expected idempotent registration, got %d then %d", idx1, idx2)
	}
}

func TestRegister_FirstRegistrationNeverReturnsZero(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, err := r.Register("/a/b.txt")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if idx == 0 {
		t.Fatalf("FileIndex 0 is reserved for \"no file\"; first registration must not return it")
	}
}

func TestRegister_DistinctPathsGetDistinctIndices(t *testing.T) {
	r, _ := New(nil)

	idx1, _ := r.Register("/a")
	idx2, _ := r.Register("/b")
	if idx1 == idx2 {
		t.Fatalf("expected distinct indices, got %d for both", idx1)
	}
}

func TestRegister_IndicesAreMonotonicAndNeverReused(t *testing.T) {
	r, _ := New(nil)

	var last int64 = -1
	for _, p := range []string{"/a", "/b", "/c"} {
		idx, err := r.Register(p)
		if err != nil {
			t.Fatalf("Register(%q): %v", p, err)
		}
		if int64(idx) <= last {
			t.Fatalf("expected monotonically increasing indices, got %d after %d", idx, last)
		}
		last = int64(idx)
	}
}

func TestRegister_LookupReturnsRegisteredPath(t *testing.T) {
	r, _ := New(nil)
	idx, _ := r.Register("/x/y")

	path, ok := r.Lookup(idx)
	if !ok || path != "/x/y" {
		t.Fatalf("expected Lookup to resolve %d to /x/y, got %q, %v", idx, path, ok)
	}
}

func TestRegister_LookupMissingIndex(t *testing.T) {
	r, _ := New(nil)
	if _, ok := r.Lookup(999); ok {
		t.Fatal("expected Lookup to report missing for an unregistered index")
	}
}

func TestRegister_ConcurrentRegistrationOfSamePathConverges(t *testing.T) {
	r, _ := New(nil)
	results := make(chan uint32, 16)

	for i := 0; i < 16; i++ {
		go func() {
			idx, err := r.Register("/contended")
			if err != nil {
				results <- 0xFFFFFFFF
				return
			}
			results <- uint32(idx)
		}()
	}

	first := <-results
	for i := 1; i < 16; i++ {
		got := <-results
		if got != first {
			t.Fatalf("expected all concurrent registrations of the same path to converge on one index, got %d and %d", first, got)
		}
	}
}
