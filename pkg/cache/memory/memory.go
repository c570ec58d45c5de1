// Package memory implements the heap-backed MemoryCache tier (spec.md §4.2):
// a flat, pre-allocated byte array addressed by slot index, with per-slot
// bytes cleared only when a victim is actually reused (cleanUpBlockData).
//
// MemoryCache implements cache.DataStore; all metadata protocol (lookup,
// admission, activeCnt) lives in the shared cache.BoundedCache above it.
// Grounded on original_source/src/common/MemoryCache.cpp's flat-array
// getBlockData/setBlockData via memcpy.
package memory

import (
	"fmt"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// Store is the heap-backed substrate for one MemoryCache tier.
type Store struct {
	blockSize uint32
	blocks    []byte // numBlocks * blockSize, slot i at [i*blockSize, (i+1)*blockSize)
}

// NewStore pre-allocates a flat byte array sized for numBlocks slots of
// blockSize bytes each. Single process, single allocation, no resizing.
func NewStore(numBlocks uint32, blockSize uint32) *Store {
	return &Store{
		blockSize: blockSize,
		blocks:    make([]byte, uint64(numBlocks)*uint64(blockSize)),
	}
}

// BlockSize implements cache.DataStore.
func (s *Store) BlockSize() uint32 { return s.blockSize }

func (s *Store) slotRange(slot int) (int, int) {
	start := slot * int(s.blockSize)
	return start, start + int(s.blockSize)
}

// GetBlockData implements cache.DataStore.
func (s *Store) GetBlockData(slot int, dst []byte) (int, error) {
	start, end := s.slotRange(slot)
	if end > len(s.blocks) {
		return 0, fmt.Errorf("memory cache: slot %d out of range", slot)
	}
	return copy(dst, s.blocks[start:end]), nil
}

// SetBlockData implements cache.DataStore.
func (s *Store) SetBlockData(slot int, data []byte) error {
	start, end := s.slotRange(slot)
	if end > len(s.blocks) {
		return fmt.Errorf("memory cache: slot %d out of range", slot)
	}
	n := copy(s.blocks[start:end], data)
	// Zero any tail beyond a short write so a previous occupant's bytes
	// never leak into a partially-written block.
	for i := start + n; i < end; i++ {
		s.blocks[i] = 0
	}
	return nil
}

// CleanUpBlockData implements cache.DataStore. MemoryCache has nothing to
// release beyond zeroing, which SetBlockData already does on reuse; this is
// a no-op kept to satisfy the interface and for parity with tiers that do
// have real cleanup work (closing an fd, punching a hole).
func (s *Store) CleanUpBlockData(slot int) error {
	return nil
}

// New constructs a complete MemoryCache tier: a cache.BoundedCache driving
// a heap-backed Store.
func New(name string, cacheSize uint64, blockSize uint32, associativity uint32, metrics cache.Metrics) *cache.BoundedCache {
	numBlocks := uint32(cacheSize / uint64(blockSize))
	store := NewStore(numBlocks, blockSize)
	return cache.New(name, cacheSize, blockSize, associativity, store, metrics)
}
