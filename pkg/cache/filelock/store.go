// Package filelock implements the BoundedFilelockCache tier (spec.md §4.2):
// a multi-process, crash-recoverable block cache backed by one mmap'd file.
// Unlike the teacher's append-only WAL (pkg/cache/wal), this tier needs
// fixed-slot random access — every slot's BlockEntry and data live at a
// computed offset so any process can mmap the file and read/write slot N
// directly, coordinated by advisory byte-range locks on the corresponding
// metadata range (one lock per bin).
//
// Layout:
//
//	header (64 bytes): magic, version, numBlocks, blockSize, associativity
//	entries table: numBlocks * onDiskEntrySize, fixed width, slot-indexed
//	data region: numBlocks * blockSize, slot-indexed
//
// Grounded on pkg/cache/wal/mmap.go's header validation and mmap-growth
// technique (golang.org/x/sys/unix.Mmap, truncate-then-remap) and
// original_source/inc/FileCache.h's FileCache (the filelock-backed
// BoundedCache specialization).
package filelock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

const (
	magic        = "TZFL"
	formatVersion = uint16(1)
	headerSize    = 64

	// onDiskEntrySize is BlockEntry's fixed on-disk width:
	// FileIndex(4) BlockIndex(4) Status(1) pad(3) TimeStamp(8) Prefetched(4)
	// OrigCache(32) ActiveCnt(4) = 60, rounded to 64 for alignment.
	onDiskEntrySize = 64
)

var (
	ErrCorrupted       = errors.New("filelock cache: file corrupted or wrong format")
	ErrVersionMismatch = errors.New("filelock cache: on-disk version mismatch")
)

// Store is the mmap'd, flock-coordinated substrate for one
// BoundedFilelockCache tier.
type Store struct {
	mu sync.Mutex // guards file/data lifecycle, not per-slot access

	path      string
	file      *os.File
	data      []byte
	numBlocks uint32
	blockSize uint32

	entriesOffset int64
	dataOffset    int64
}

// Open creates or opens the filelock cache file at path, sized for
// numBlocks slots of blockSize bytes. A freshly created file starts with
// every on-disk BlockEntry zeroed (status EMPTY).
func Open(path string, numBlocks uint32, blockSize uint32) (*Store, error) {
	totalSize := headerSize + int64(numBlocks)*onDiskEntrySize + int64(numBlocks)*int64(blockSize)

	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	s := &Store{
		path:          path,
		file:          f,
		numBlocks:     numBlocks,
		blockSize:     blockSize,
		entriesOffset: headerSize,
		dataOffset:    headerSize + int64(numBlocks)*onDiskEntrySize,
	}

	if !exists {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
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
		return fmt.Errorf("filelock cache: geometry mismatch (file has %d x %d, configured %d x %d)",
			onDiskBlocks, onDiskBlockSize, s.numBlocks, s.blockSize)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
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

// ActiveCntAddr returns a pointer into the mmap'd metadata region for
// slot's ActiveCnt field, so sync/atomic operations on it are visible to
// every process mapping this same file (cache.ExternalMetadataStore,
// spec.md §4.2). The field is 4-byte aligned: onDiskEntrySize is 64 and the
// ActiveCnt field sits at a fixed offset of 56 within each entry.
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
		return 0, fmt.Errorf("filelock cache: slot %d out of range", slot)
	}
	return copy(dst, s.data[start:end]), nil
}

// SetBlockData implements cache.DataStore.
func (s *Store) SetBlockData(slot int, data []byte) error {
	start, end := s.slotRange(slot)
	if end > int64(len(s.data)) {
		return fmt.Errorf("filelock cache: slot %d out of range", slot)
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

// LockBin takes an advisory, process-wide byte-range lock covering slot's
// on-disk BlockEntry, so concurrent processes serialize metadata mutation
// the same way an in-process bin mutex would. Grounded on the original's
// per-bin MultiReaderWriterLock, realized here via fcntl byte-range locks
// since Go has no direct POSIX rwlock binding.
func (s *Store) LockBin(binFirstSlot int, count int) (unlock func() error, err error) {
	off := s.entriesOffset + int64(binFirstSlot)*onDiskEntrySize
	length := int64(count) * onDiskEntrySize

	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  off,
		Len:    length,
	}
	if err := unix.FcntlFlock(s.file.Fd(), unix.F_SETLKW, &lock); err != nil {
		return nil, fmt.Errorf("filelock cache: lock bin: %w", err)
	}

	return func() error {
		unlockSpec := unix.Flock_t{
			Type:   unix.F_UNLCK,
			Whence: int16(os.SEEK_SET),
			Start:  off,
			Len:    length,
		}
		return unix.FcntlFlock(s.file.Fd(), unix.F_SETLK, &unlockSpec)
	}, nil
}
