// Package cache implements the bounded, set-associative block cache shared
// by every tier of the hierarchy (memory, shared memory, local file,
// bounded filelock) and the lookup/admission algorithm that governs it.
package cache

import (
	"errors"
	"time"
)

// FileIndex identifies a registered file within a cache tier.
type FileIndex uint32

// BlockIndex identifies a block within a file.
type BlockIndex uint32

// BlockAddress names one block of one file.
type BlockAddress struct {
	FileIndex  FileIndex
	BlockIndex BlockIndex
}

// BlockStatus is a BlockEntry's lifecycle state.
type BlockStatus uint8

const (
	// StatusEmpty means the slot holds no identity and no data.
	StatusEmpty BlockStatus = iota

	// StatusReserved means the slot holds an identity but not yet data;
	// readers must wait on the shared future or fall through to a lower tier.
	StatusReserved

	// StatusAvail means the slot holds valid data for its identity.
	StatusAvail
)

func (s BlockStatus) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusReserved:
		return "RESERVED"
	case StatusAvail:
		return "AVAIL"
	default:
		return "UNKNOWN"
	}
}

// maxCacheNameLen bounds OrigCache, mirroring the original's
// char origCache[MAX_CACHE_NAME_LEN] so the in-memory and on-disk (filelock
// tier) layouts of BlockEntry are identical.
const maxCacheNameLen = 32

// BlockEntry is one slot of a Bin. The same layout backs in-memory tiers and
// the on-disk metadata region of the filelock tier.
type BlockEntry struct {
	// FileIndex and BlockIndex are biased by +1; the zero value of both
	// means the slot is empty regardless of Status (defense in depth).
	FileIndex  uint32
	BlockIndex uint32

	Status BlockStatus

	// TimeStamp is a logical reservation clock; it feeds victim selection,
	// not wall-clock time.
	TimeStamp uint64

	// Prefetched is 0 for a demand fetch, >0 for a speculative fetch
	// (the distance ahead of the consumer).
	Prefetched int32

	// OrigCache names the tier that produced the data, fixed-width so this
	// struct can be memory-mapped directly (see pkg/cache/filelock).
	OrigCache [maxCacheNameLen]byte

	// ActiveCnt is the number of readers currently holding this slot. A
	// slot may not be evicted while ActiveCnt > 0. Mutated with
	// sync/atomic directly on this field (see incActive/decActive).
	ActiveCnt uint32
}

// Addr decodes the entry's biased identity. ok is false for an empty slot.
func (e *BlockEntry) Addr() (addr BlockAddress, ok bool) {
	if e.FileIndex == 0 && e.BlockIndex == 0 {
		return BlockAddress{}, false
	}
	return BlockAddress{
		FileIndex:  FileIndex(e.FileIndex - 1),
		BlockIndex: BlockIndex(e.BlockIndex - 1),
	}, true
}

func (e *BlockEntry) matches(addr BlockAddress) bool {
	got, ok := e.Addr()
	return ok && got == addr
}

func setOrigCache(e *BlockEntry, name string) {
	var buf [maxCacheNameLen]byte
	copy(buf[:], name)
	e.OrigCache = buf
}

// OrigCacheName returns OrigCache as a string, trimmed at the first NUL.
func (e *BlockEntry) OrigCacheName() string {
	n := 0
	for n < len(e.OrigCache) && e.OrigCache[n] != 0 {
		n++
	}
	return string(e.OrigCache[:n])
}

var (
	// ErrFull is returned by the admission algorithm when no victim
	// qualifies; the caller falls through to the next tier without a
	// reservation.
	ErrFull = errors.New("cache: bin full, no evictable victim")

	// ErrClosed is returned when operations are attempted on a closed tier.
	ErrClosed = errors.New("cache: tier is closed")

	// ErrNotReserved is returned by writeBlock when the slot it expected to
	// resolve was reclaimed by eviction in the meantime (a wasted fetch).
	ErrNotReserved = errors.New("cache: no reservation present for this address")
)

// Stats is a point-in-time snapshot of a BoundedCache's counters.
type Stats struct {
	Name          string
	NumBlocks     uint32
	NumBins       uint32
	Associativity uint32
	Hits          uint64
	Misses        uint64
	Reservations  uint64
	Evictions     uint64
	WastedFetches uint64
	Full          uint64
	ActiveSlots   int
}

// Metrics is the nil-safe metrics seam every BoundedCache accepts, mirroring
// the guarded if-m-!=-nil pattern used throughout this codebase.
type Metrics interface {
	ObserveRequest(tier string, hit bool, duration time.Duration)
	RecordReservation(tier string)
	RecordEviction(tier string, reason string)
	RecordWastedFetch(tier string)
	RecordFull(tier string)
	RecordActiveSlots(tier string, count int)
}
