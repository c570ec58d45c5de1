// Package sharedmemory implements the SharedMemoryCache tier (spec.md
// §4.2): POSIX shared memory backing a BoundedCache the same way
// pkg/cache/memory's heap array does, except the mapping is visible to
// every process on the host instead of just this one. Grounded on
// pkg/cache/wal/mmap.go's mmap-a-file-then-cast-counters-with-unsafe.Pointer
// technique and original_source/src/common/MemoryCache.cpp's flat-array
// layout, with activeCnt and bin locking lifted into the shared region the
// way pkg/cache/filelock does for its own cross-process tier.
//
// Layout (identical in shape to pkg/cache/filelock.Store, minus the
// durability concerns a real file has to worry about):
//
//	header (64 bytes): magic, version, numBlocks, blockSize
//	entries table: numBlocks * onDiskEntrySize, fixed width, slot-indexed
//	data region: numBlocks * blockSize, slot-indexed
//
// Bin locking is a genuine reader/writer lock, unlike the filelock tier's
// single fcntl range lock: one small lock file per bin under the same
// /dev/shm directory, held with flock(2) in LOCK_SH or LOCK_EX mode (a
// "named OS semaphore pair" per spec.md §4.2 — flock gives us both modes on
// one fd without a separate semaphore API).
package sharedmemory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

const (
	magic         = "TZSM"
	formatVersion = uint16(1)
	headerSize    = 64

	// onDiskEntrySize mirrors pkg/cache/filelock's on-disk BlockEntry width:
	// FileIndex(4) BlockIndex(4) Status(1) pad(3) TimeStamp(8) Prefetched(4)
	// OrigCache(32) ActiveCnt(4) = 60, rounded to 64 for alignment.
	onDiskEntrySize = 64

	shmDir = "/dev/shm"
)

var (
	ErrCorrupted       = errors.New("sharedmemory cache: file corrupted or wrong format")
	ErrVersionMismatch = errors.New("sharedmemory cache: on-disk version mismatch")
)

// Store is the mmap'd POSIX-shared-memory substrate for one
// SharedMemoryCache tier.
type Store struct {
	mu sync.Mutex // guards the mapping/fd lifecycle, not per-slot access

	name          string
	file          *os.File
	data          []byte
	numBlocks     uint32
	blockSize     uint32
	associativity uint32

	entriesOffset int64
	dataOffset    int64

	binLockFiles []*os.File
}

// shmPath returns the /dev/shm path backing a named segment. Using a plain
// file under the tmpfs-backed /dev/shm directly rather than shm_open(3) (no
// cgo binding exists for it) achieves the same thing on Linux: /dev/shm IS
// the filesystem shm_open mounts.
func shmPath(name string) string {
	return filepath.Join(shmDir, fmt.Sprintf("tazer-%s.shm", name))
}

func binLockPath(name string, bin uint32) string {
	return filepath.Join(shmDir, fmt.Sprintf("tazer-%s.bin%d.lock", name, bin))
}

// Open creates or attaches to the shared-memory segment for name, sized for
// numBlocks slots of blockSize bytes, with numBins per-bin lock files.
func Open(name string, numBlocks uint32, blockSize uint32, numBins uint32, associativity uint32) (*Store, error) {
	totalSize := headerSize + int64(numBlocks)*onDiskEntrySize + int64(numBlocks)*int64(blockSize)

	path := shmPath(name)
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open shm segment: %w", err)
	}

	s := &Store{
		name:          name,
		file:          f,
		numBlocks:     numBlocks,
		blockSize:     blockSize,
		associativity: associativity,
		entriesOffset: headerSize,
		dataOffset:    headerSize + int64(numBlocks)*onDiskEntrySize,
	}

	if !exists {
		if err := unix.Ftruncate(int(f.Fd()), totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("ftruncate shm segment: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm segment: %w", err)
	}
	s.data = data

	if exists {
		if err := s.validateHeader(); err != nil {
			s.Close()
			return nil, err
		}
	} else {
		s.writeHeader()
	}

	locks := make([]*os.File, numBins)
	for bin := uint32(0); bin < numBins; bin++ {
		lf, err := os.OpenFile(binLockPath(name, bin), os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open bin lock %d: %w", bin, err)
		}
		locks[bin] = lf
	}
	s.binLockFiles = locks

	return s, nil
}

func (s *Store) writeHeader() {
	copy(s.data[0:4], magic)
	binary.LittleEndian.PutUint16(s.data[4:6], formatVersion)
	binary.LittleEndian.PutUint32(s.data[6:10], s.numBlocks)
	binary.LittleEndian.PutUint32(s.data[10:14], s.blockSize)
}

func (s *Store) validateHeader() error {
	if string(s.data[0:4]) != magic {
		return ErrCorrupted
	}
	version := binary.LittleEndian.Uint16(s.data[4:6])
	if version != formatVersion {
		return ErrVersionMismatch
	}
	onDiskBlocks := binary.LittleEndian.Uint32(s.data[6:10])
	onDiskBlockSize := binary.LittleEndian.Uint32(s.data[10:14])
	if onDiskBlocks != s.numBlocks || onDiskBlockSize != s.blockSize {
		return fmt.Errorf("sharedmemory cache: geometry mismatch (segment has %d x %d, configured %d x %d)",
			onDiskBlocks, onDiskBlockSize, s.numBlocks, s.blockSize)
	}
	return nil
}

// Close unmaps the segment and closes every lock file. The segment itself
// is left in /dev/shm for the next process to attach to; Unlink removes it
// for good.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lf := range s.binLockFiles {
		lf.Close()
	}

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
}

// Unlink removes the backing segment and bin lock files from /dev/shm.
// Call after every attached Store has been Closed.
func (s *Store) Unlink() error {
	os.Remove(shmPath(s.name))
	for bin := range s.binLockFiles {
		os.Remove(binLockPath(s.name, uint32(bin)))
	}
	return nil
}

func (s *Store) entryBytes(slot int) []byte {
	off := s.entriesOffset + int64(slot)*onDiskEntrySize
	return s.data[off : off+onDiskEntrySize]
}

// ReadEntry decodes slot's on-disk BlockEntry.
func (s *Store) ReadEntry(slot int) cache.BlockEntry {
	b := s.entryBytes(slot)
	var e cache.BlockEntry
	e.FileIndex = binary.LittleEndian.Uint32(b[0:4])
	e.BlockIndex = binary.LittleEndian.Uint32(b[4:8])
	e.Status = cache.BlockStatus(b[8])
	e.TimeStamp = binary.LittleEndian.Uint64(b[12:20])
	e.Prefetched = int32(binary.LittleEndian.Uint32(b[20:24]))
	copy(e.OrigCache[:], b[24:56])
	e.ActiveCnt = binary.LittleEndian.Uint32(b[56:60])
	return e
}

// WriteEntry encodes e into slot's on-disk region.
func (s *Store) WriteEntry(slot int, e cache.BlockEntry) {
	b := s.entryBytes(slot)
	binary.LittleEndian.PutUint32(b[0:4], e.FileIndex)
	binary.LittleEndian.PutUint32(b[4:8], e.BlockIndex)
	b[8] = byte(e.Status)
	binary.LittleEndian.PutUint64(b[12:20], e.TimeStamp)
	binary.LittleEndian.PutUint32(b[20:24], uint32(e.Prefetched))
	copy(b[24:56], e.OrigCache[:])
	binary.LittleEndian.PutUint32(b[56:60], e.ActiveCnt)
}

// ActiveCntAddr returns a pointer into the mapped region for slot's
// ActiveCnt field, so sync/atomic operations on it are visible to every
// process that has mapped this same segment (cache.ExternalMetadataStore,
// spec.md §4.2).
func (s *Store) ActiveCntAddr(slot int) *uint32 {
	b := s.entryBytes(slot)
	return (*uint32)(unsafe.Pointer(&b[56]))
}

// BlockSize implements cache.DataStore.
func (s *Store) BlockSize() uint32 { return s.blockSize }

func (s *Store) slotRange(slot int) (int64, int64) {
	start := s.dataOffset + int64(slot)*int64(s.blockSize)
	return start, start + int64(s.blockSize)
}

// GetBlockData implements cache.DataStore.
func (s *Store) GetBlockData(slot int, dst []byte) (int, error) {
	start, end := s.slotRange(slot)
	if end > int64(len(s.data)) {
		return 0, fmt.Errorf("sharedmemory cache: slot %d out of range", slot)
	}
	return copy(dst, s.data[start:end]), nil
}

// SetBlockData implements cache.DataStore.
func (s *Store) SetBlockData(slot int, data []byte) error {
	start, end := s.slotRange(slot)
	if end > int64(len(s.data)) {
		return fmt.Errorf("sharedmemory cache: slot %d out of range", slot)
	}
	n := copy(s.data[start:end], data)
	for i := start + int64(n); i < end; i++ {
		s.data[i] = 0
	}
	return nil
}

// CleanUpBlockData implements cache.DataStore; nothing to release beyond
// the zeroing SetBlockData already performs on reuse.
func (s *Store) CleanUpBlockData(slot int) error {
	return nil
}

func (s *Store) binOf(binFirstSlot int) uint32 {
	return uint32(binFirstSlot) / s.associativity
}

// LockBin takes an exclusive flock(2) lock on the bin's dedicated lock
// file, serializing writers across every process attached to this segment.
func (s *Store) LockBin(binFirstSlot int, count int) (unlock func() error, err error) {
	return s.flockBin(binFirstSlot, unix.LOCK_EX)
}

// RLockBin takes a shared flock(2) lock, letting concurrent readers proceed
// while serializing against LockBin's writer — the reader/writer pair
// spec.md §4.2 calls for, absent here in the single-mode filelock tier.
func (s *Store) RLockBin(binFirstSlot int, count int) (runlock func() error, err error) {
	return s.flockBin(binFirstSlot, unix.LOCK_SH)
}

func (s *Store) flockBin(binFirstSlot int, how int) (func() error, error) {
	lf := s.binLockFiles[s.binOf(binFirstSlot)]
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		return nil, fmt.Errorf("sharedmemory cache: flock bin: %w", err)
	}
	return func() error {
		return unix.Flock(int(lf.Fd()), unix.LOCK_UN)
	}, nil
}
