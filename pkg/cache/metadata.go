package cache

import "sync"

// metadataBackend is BoundedCache's pluggable admission-state substrate. The
// default, inMemoryMetadata, keeps BlockEntry and bin locks in private
// per-process memory — fine for every in-process tier. A cross-process tier
// (the filelock tier) instead supplies an externalMetadata backed by an
// ExternalMetadataStore, so reservation state and bin locking genuinely
// span processes (spec.md §1(a), §4.2) rather than living twice, once per
// process, unsynchronized.
type metadataBackend interface {
	lockBin(bin uint32) (unlock func(), err error)
	rlockBin(bin uint32) (runlock func(), err error)

	entry(slot int) BlockEntry
	setEntry(slot int, e BlockEntry)

	activeCnt(slot int) uint32
	incActiveCnt(slot int) uint32
	decActiveCnt(slot int)
}

// inMemoryMetadata is the default metadataBackend: a bin-mutex array guarding
// a private BlockEntry slice, exactly as every tier before the filelock one
// has always worked.
type inMemoryMetadata struct {
	binLocks []sync.RWMutex
	entries  []BlockEntry
}

func newInMemoryMetadata(numBins, numBlocks uint32) *inMemoryMetadata {
	return &inMemoryMetadata{
		binLocks: make([]sync.RWMutex, numBins),
		entries:  make([]BlockEntry, numBlocks),
	}
}

func (m *inMemoryMetadata) lockBin(bin uint32) (func(), error) {
	m.binLocks[bin].Lock()
	return m.binLocks[bin].Unlock, nil
}

func (m *inMemoryMetadata) rlockBin(bin uint32) (func(), error) {
	m.binLocks[bin].RLock()
	return m.binLocks[bin].RUnlock, nil
}

func (m *inMemoryMetadata) entry(slot int) BlockEntry { return m.entries[slot] }

func (m *inMemoryMetadata) setEntry(slot int, e BlockEntry) { m.entries[slot] = e }

func (m *inMemoryMetadata) activeCnt(slot int) uint32 {
	return atomicLoadUint32(&m.entries[slot].ActiveCnt)
}

func (m *inMemoryMetadata) incActiveCnt(slot int) uint32 {
	return atomicAddUint32(&m.entries[slot].ActiveCnt, 1)
}

func (m *inMemoryMetadata) decActiveCnt(slot int) {
	decActiveCntAt(&m.entries[slot].ActiveCnt)
}

// ExternalMetadataStore is implemented by storage substrates whose
// BlockEntry metadata and bin locking must span processes, not just
// goroutines (e.g. pkg/cache/filelock.Store's mmap'd, fcntl-locked regions).
// A BoundedCache built with NewWithExternalMetadata drives its entire
// admission/reservation protocol through this interface instead of private
// memory, so two processes sharing the same backing store genuinely share
// reservation state (spec.md §1(a), §4.2).
type ExternalMetadataStore interface {
	// ReadEntry and WriteEntry decode/encode slot's BlockEntry in the
	// shared substrate.
	ReadEntry(slot int) BlockEntry
	WriteEntry(slot int, e BlockEntry)

	// LockBin takes an advisory, cross-process exclusive lock spanning the
	// count slots starting at binFirstSlot.
	LockBin(binFirstSlot int, count int) (unlock func() error, err error)

	// ActiveCntAddr returns a pointer into the shared substrate's memory for
	// slot's ActiveCnt field, so sync/atomic operations on it are visible
	// to every process mapping the same store.
	ActiveCntAddr(slot int) *uint32
}

// RLocker is implemented by an ExternalMetadataStore that can take a genuine
// shared (reader) lock on a bin distinct from LockBin's exclusive one (e.g.
// the shared-memory tier's flock(LOCK_SH) pair, spec.md §4.2). A store that
// only has one lock mode (the filelock tier's fcntl range lock) need not
// implement this; externalMetadata falls back to the exclusive lock for
// reads too.
type RLocker interface {
	RLockBin(binFirstSlot int, count int) (runlock func() error, err error)
}

// externalMetadata adapts an ExternalMetadataStore to metadataBackend.
type externalMetadata struct {
	store         ExternalMetadataStore
	associativity uint32
}

func (m *externalMetadata) lockBin(bin uint32) (func(), error) {
	first := int(bin) * int(m.associativity)
	unlock, err := m.store.LockBin(first, int(m.associativity))
	if err != nil {
		return nil, err
	}
	return func() { _ = unlock() }, nil
}

// rlockBin takes a shared lock when the store supports one (RLocker);
// otherwise it falls back to the same exclusive lock as lockBin, so reads
// serialize with writes the way a single fcntl range lock always has.
func (m *externalMetadata) rlockBin(bin uint32) (func(), error) {
	if rl, ok := m.store.(RLocker); ok {
		first := int(bin) * int(m.associativity)
		runlock, err := rl.RLockBin(first, int(m.associativity))
		if err != nil {
			return nil, err
		}
		return func() { _ = runlock() }, nil
	}
	return m.lockBin(bin)
}

func (m *externalMetadata) entry(slot int) BlockEntry { return m.store.ReadEntry(slot) }

func (m *externalMetadata) setEntry(slot int, e BlockEntry) { m.store.WriteEntry(slot, e) }

func (m *externalMetadata) activeCnt(slot int) uint32 {
	return atomicLoadUint32(m.store.ActiveCntAddr(slot))
}

func (m *externalMetadata) incActiveCnt(slot int) uint32 {
	return atomicAddUint32(m.store.ActiveCntAddr(slot), 1)
}

func (m *externalMetadata) decActiveCnt(slot int) {
	decActiveCntAt(m.store.ActiveCntAddr(slot))
}
