// New constructs a complete BoundedFilelockCache tier: a cache.BoundedCache
// driving an mmap'd, flock-coordinated Store at path. On a file that already
// existed (process restart, crash), RecoverActiveCnt is run first so that
// activeCnt left nonzero by a process that no longer exists cannot pin
// blocks forever.
package filelock

import (
	"fmt"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// New opens or creates the filelock cache file at path and wires it into a
// cache.BoundedCache. cacheSize and blockSize must agree with any existing
// file's geometry (Open validates this).
func New(name string, path string, cacheSize uint64, blockSize uint32, associativity uint32, metrics cache.Metrics) (*cache.BoundedCache, error) {
	numBlocks := uint32(cacheSize / uint64(blockSize))

	store, err := Open(path, numBlocks, blockSize)
	if err != nil {
		return nil, fmt.Errorf("filelock cache %q: %w", name, err)
	}

	if err := RecoverActiveCnt(store); err != nil {
		store.Close()
		return nil, fmt.Errorf("filelock cache %q: recovery: %w", name, err)
	}

	// store backs both halves of BoundedCache: its bytes (cache.DataStore)
	// and, via NewWithExternalMetadata, its BlockEntry admission state and
	// bin locking -- the latter is what makes this tier's reservation
	// protocol genuinely cross-process rather than merely cross-goroutine
	// (spec.md §1(a), §4.2).
	return cache.NewWithExternalMetadata(name, cacheSize, blockSize, associativity, store, store, metrics), nil
}
