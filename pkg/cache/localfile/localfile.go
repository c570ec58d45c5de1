// Package localfile implements the LocalFileCache tier (spec.md §4.2):
// single-process, local-disk-backed storage for blocks, addressed by slot
// like every other tier's cache.DataStore. Unlike BoundedFilelockCache,
// this tier has no cross-process metadata story: its cache.BlockEntry
// table lives in the owning process's heap via cache.BoundedCache, and
// only the block bytes themselves are spilled to disk.
//
// Grounded on memory.Store's flat-array shape, generalized from an
// in-memory byte slice to a single pre-sized backing file addressed by
// slot*blockSize via ReadAt/WriteAt, the simplest disk analogue that keeps
// memory.Store's "one allocation, no resizing" design.
package localfile

import (
	"fmt"
	"os"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// Store is the disk-backed substrate for one LocalFileCache tier.
type Store struct {
	file      *os.File
	blockSize uint32
}

// Open creates or truncates-and-reuses a single backing file at path sized
// for numBlocks slots of blockSize bytes.
func Open(path string, numBlocks uint32, blockSize uint32) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("local file cache: open %q: %w", path, err)
	}

	size := int64(numBlocks) * int64(blockSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("local file cache: truncate %q to %d: %w", path, size, err)
	}

	return &Store{file: f, blockSize: blockSize}, nil
}

// BlockSize implements cache.DataStore.
func (s *Store) BlockSize() uint32 { return s.blockSize }

func (s *Store) offset(slot int) int64 {
	return int64(slot) * int64(s.blockSize)
}

// GetBlockData implements cache.DataStore.
func (s *Store) GetBlockData(slot int, dst []byte) (int, error) {
	n, err := s.file.ReadAt(dst[:s.blockSize], s.offset(slot))
	if err != nil {
		return n, fmt.Errorf("local file cache: read slot %d: %w", slot, err)
	}
	return n, nil
}

// SetBlockData implements cache.DataStore.
func (s *Store) SetBlockData(slot int, data []byte) error {
	buf := make([]byte, s.blockSize)
	copy(buf, data) // remaining bytes are already zero-valued
	if _, err := s.file.WriteAt(buf, s.offset(slot)); err != nil {
		return fmt.Errorf("local file cache: write slot %d: %w", slot, err)
	}
	return nil
}

// CleanUpBlockData implements cache.DataStore; nothing to release beyond
// what SetBlockData already overwrites on reuse.
func (s *Store) CleanUpBlockData(slot int) error {
	return nil
}

// Close closes the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}

// New constructs a complete LocalFileCache tier: a cache.BoundedCache
// driving a disk-backed Store at path.
func New(name string, path string, cacheSize uint64, blockSize uint32, associativity uint32, metrics cache.Metrics) (*cache.BoundedCache, error) {
	numBlocks := uint32(cacheSize / uint64(blockSize))

	store, err := Open(path, numBlocks, blockSize)
	if err != nil {
		return nil, err
	}

	return cache.New(name, cacheSize, blockSize, associativity, store, metrics), nil
}
