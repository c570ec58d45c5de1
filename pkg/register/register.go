// Package register implements FileCacheRegister (spec.md §4.8): the
// idempotent path->FileIndex map shared by every ServeFile engine and the
// cache tiers addressing blocks by FileIndex rather than path.
//
// Grounded structurally on the teacher's pkg/registry.Registry (an
// RWMutex-protected name->resource map), generalized from the teacher's
// error-if-exists semantics to spec.md's idempotent-return-existing
// semantics (P4) -- a deliberate behavior change, recorded in DESIGN.md.
package register

import (
	"fmt"
	"sync"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// Register maps file paths to monotonically increasing, never-reused
// FileIndex values, in memory. An optional Persistence implementation backs
// it across restarts.
type Register struct {
	mu       sync.RWMutex
	byPath   map[string]cache.FileIndex
	byIndex  map[cache.FileIndex]string
	next     uint32
	persist  Persistence
}

// Persistence is the optional cross-process backing store for the
// register (spec.md §4.8: "optionally cross-process via a well-known
// file"). A nil Persistence means in-memory-only, single-process use.
type Persistence interface {
	Load() (map[string]uint32, uint32, error)
	Save(path string, index cache.FileIndex) error
	Close() error
}

// New constructs an empty register, or one pre-populated from persist if
// it already has entries (a restart recovering prior registrations).
func New(persist Persistence) (*Register, error) {
	r := &Register{
		byPath:  make(map[string]cache.FileIndex),
		byIndex: make(map[cache.FileIndex]string),
		persist: persist,
		next:    1, // FileIndex 0 is reserved for "no file" (spec.md §3)
	}

	if persist == nil {
		return r, nil
	}

	entries, next, err := persist.Load()
	if err != nil {
		return nil, fmt.Errorf("register: load persisted entries: %w", err)
	}
	for path, idx := range entries {
		r.byPath[path] = cache.FileIndex(idx)
		r.byIndex[cache.FileIndex(idx)] = path
	}
	if next != 0 {
		r.next = next
	}
	return r, nil
}

// Register returns path's FileIndex, assigning a fresh one on first sight.
// Idempotent: a second call with the same path returns the same index
// (spec.md P4), unlike the teacher's Registry which errors on a duplicate
// name -- the register's job is to name files for cache addressing, not to
// guard against double-mounting a share.
func (r *Register) Register(path string) (cache.FileIndex, error) {
	r.mu.RLock()
	if idx, ok := r.byPath[path]; ok {
		r.mu.RUnlock()
		return idx, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have registered path while we waited
	// for the write lock (double-checked locking, matching cache.go's
	// lookup-then-reserve shape).
	if idx, ok := r.byPath[path]; ok {
		return idx, nil
	}

	idx := cache.FileIndex(r.next)
	r.next++
	r.byPath[path] = idx
	r.byIndex[idx] = path

	if r.persist != nil {
		if err := r.persist.Save(path, idx); err != nil {
			// Roll back the in-memory assignment so a failed persist
			// doesn't leave this process and the backing store disagreeing
			// about which index is next.
			delete(r.byPath, path)
			delete(r.byIndex, idx)
			r.next--
			return 0, fmt.Errorf("register: persist %q: %w", path, err)
		}
	}

	return idx, nil
}

// Lookup returns the path registered for idx, if any.
func (r *Register) Lookup(idx cache.FileIndex) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.byIndex[idx]
	return path, ok
}

// Count returns the number of registered files.
func (r *Register) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath)
}

// Close releases the backing persistence store, if any.
func (r *Register) Close() error {
	if r.persist == nil {
		return nil
	}
	return r.persist.Close()
}
