package cache

// DataStore is the per-tier storage substrate BoundedCache drives. Concrete
// tiers (MemoryCache, SharedMemoryCache, LocalFileCache, BoundedFilelockCache)
// implement it against heap memory, a POSIX shared-memory segment, local
// files, or an flock-coordinated file respectively — BoundedCache itself
// never touches bytes, only BlockEntry metadata and the Bin locks guarding it.
//
// Grounded on original_source/inc/FileCache.h's virtual getBlockData/
// setBlockData/cleanUpBlockData method set.
type DataStore interface {
	// GetBlockData reads up to len(dst) bytes from slot into dst, returning
	// the number of valid bytes. slot is always a previously-reserved,
	// AVAIL slot index in [0, numBlocks).
	GetBlockData(slot int, dst []byte) (int, error)

	// SetBlockData writes data into slot, replacing any previous contents.
	SetBlockData(slot int, data []byte) error

	// CleanUpBlockData releases whatever resources slot's previous AVAIL
	// occupant held (e.g. zeroing, punching a hole) before it is reused by
	// a new reservation.
	CleanUpBlockData(slot int) error

	// BlockSize returns the fixed block size backing every slot.
	BlockSize() uint32
}
