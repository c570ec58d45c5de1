// New constructs a complete SharedMemoryCache tier: a cache.BoundedCache
// driving a POSIX-shared-memory-backed Store. Unlike pkg/cache/filelock,
// nothing here is durable across a host reboot (tmpfs), so there is no
// recovery sweep to run on open — a fresh segment always starts EMPTY.
package sharedmemory

import (
	"fmt"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// New opens or attaches to the named shared-memory segment and wires it
// into a cache.BoundedCache. cacheSize and blockSize must agree with any
// existing segment's geometry (Open validates this).
func New(name string, cacheSize uint64, blockSize uint32, associativity uint32, metrics cache.Metrics) (*cache.BoundedCache, error) {
	numBlocks := uint32(cacheSize / uint64(blockSize))
	numBins := numBlocks / associativity

	store, err := Open(name, numBlocks, blockSize, numBins, associativity)
	if err != nil {
		return nil, fmt.Errorf("sharedmemory cache %q: %w", name, err)
	}

	// store backs both halves of BoundedCache: its bytes (cache.DataStore)
	// and, via NewWithExternalMetadata, its BlockEntry admission state and
	// reader/writer bin locking -- shared across every process that attaches
	// to the same segment name (spec.md §4.2).
	return cache.NewWithExternalMetadata(name, cacheSize, blockSize, associativity, store, store, metrics), nil
}
