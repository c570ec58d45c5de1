package cache

import (
	"sync/atomic"
	"time"
)

// atomicSubtract subtracts n from a (see sync/atomic's lack of a Sub method
// for unsigned types: Add(^(n-1)) is Add(-n) in two's complement).
func atomicSubtract(a *atomic.Uint64, n uint64) {
	a.Add(^(n - 1))
}

func atomicLoadUint32(p *uint32) uint32 { return atomic.LoadUint32(p) }

func atomicAddUint32(p *uint32, n uint32) uint32 { return atomic.AddUint32(p, n) }

// decActiveCntAt decrements *p by one via CAS, floored at zero, so a racing
// decrement never underflows past a concurrent reset (e.g. eviction's
// ActiveCnt reinitialization).
func decActiveCntAt(p *uint32) {
	for {
		cur := atomic.LoadUint32(p)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(p, cur, cur-1) {
			return
		}
	}
}

// BoundedCache is the set-associative block cache core shared by every tier.
// It owns BlockEntry metadata and bin locking; actual bytes live behind the
// DataStore it drives. Grounded on the teacher's pkg/cache/cache.go
// double-checked-locking shape and original_source/inc/FileCache.h's
// BoundedCache/FileCache split between metadata protocol and data storage.
type BoundedCache struct {
	name          string
	blockSize     uint32
	numBlocks     uint32
	numBins       uint32
	associativity uint32

	meta metadataBackend

	// clock is a logical reservation clock; incremented on every
	// reservation so TimeStamp is a total order independent of wall time.
	clock atomic.Uint64

	store   DataStore
	metrics Metrics

	hits          atomic.Uint64
	misses        atomic.Uint64
	reservations  atomic.Uint64
	evictions     atomic.Uint64
	wastedFetches atomic.Uint64
	full          atomic.Uint64

	closed atomic.Bool
}

// New constructs a BoundedCache backed by private, per-process metadata.
// cacheSize and blockSize are in bytes; associativity is the number of
// slots per bin. cacheSize must be a multiple of blockSize, and numBlocks
// (= cacheSize/blockSize) must be a multiple of associativity —
// pkg/config.Validate enforces this before a tier is built.
func New(name string, cacheSize uint64, blockSize uint32, associativity uint32, store DataStore, metrics Metrics) *BoundedCache {
	numBlocks := uint32(cacheSize / uint64(blockSize))
	numBins := numBlocks / associativity

	return &BoundedCache{
		name:          name,
		blockSize:     blockSize,
		numBlocks:     numBlocks,
		numBins:       numBins,
		associativity: associativity,
		meta:          newInMemoryMetadata(numBins, numBlocks),
		store:         store,
		metrics:       metrics,
	}
}

// NewWithExternalMetadata constructs a BoundedCache whose BlockEntry
// admission state is read and written through external instead of private
// per-process memory, so the reservation protocol and bin locking genuinely
// span processes (spec.md §1(a), §4.2: the filelock tier's use case).
func NewWithExternalMetadata(name string, cacheSize uint64, blockSize uint32, associativity uint32, store DataStore, external ExternalMetadataStore, metrics Metrics) *BoundedCache {
	numBlocks := uint32(cacheSize / uint64(blockSize))
	numBins := numBlocks / associativity

	return &BoundedCache{
		name:          name,
		blockSize:     blockSize,
		numBlocks:     numBlocks,
		numBins:       numBins,
		associativity: associativity,
		meta:          &externalMetadata{store: external, associativity: associativity},
		store:         store,
		metrics:       metrics,
	}
}

// Name returns the tier's identifying name, used as OrigCache on blocks it
// produces and as a metrics label.
func (c *BoundedCache) Name() string { return c.name }

// NumBlocks returns the tier's total slot count.
func (c *BoundedCache) NumBlocks() uint32 { return c.numBlocks }

// BlockSize returns the tier's fixed block size.
func (c *BoundedCache) BlockSize() uint32 { return c.blockSize }

// FreeSpace reports the number of slots still EMPTY, advisory for prefetch
// throttling (spec.md §4.4's freeSpace()).
func (c *BoundedCache) FreeSpace() uint32 {
	var free uint32
	for bin := uint32(0); bin < c.numBins; bin++ {
		runlock, err := c.meta.rlockBin(bin)
		if err != nil {
			continue
		}
		for _, i := range c.slotsForBin(bin) {
			if c.meta.entry(i).Status == StatusEmpty {
				free++
			}
		}
		runlock()
	}
	return free
}

// hashBin mixes FileIndex and BlockIndex into a bin index. Any decent mix is
// acceptable — the choice is local to this tier and need not match others.
func (c *BoundedCache) hashBin(addr BlockAddress) uint32 {
	h := uint64(addr.FileIndex)*2654435761 ^ uint64(addr.BlockIndex)*2246822519
	h ^= h >> 33
	return uint32(h % uint64(c.numBins))
}

func (c *BoundedCache) slotsForBin(bin uint32) []int {
	start := int(bin) * int(c.associativity)
	slots := make([]int, c.associativity)
	for i := range slots {
		slots[i] = start + i
	}
	return slots
}

// RequestBlock implements spec.md §4.1's requestBlock. On a hit it returns a
// ready Request with data populated; on a miss it runs the admission
// algorithm and either returns a reservation (inserted into reads so
// concurrent requesters share one future) or, if the bin is full, a Request
// that the caller should fall through with.
func (c *BoundedCache) RequestBlock(addr BlockAddress, size uint32, reads *RequestMap, prio int) *Request {
	start := time.Now()
	bin := c.hashBin(addr)

	slot, hit, err := c.lookupHit(bin, addr)
	if err != nil {
		req := newRequest(addr, size, prio)
		req.fail(err)
		c.observe(false, start)
		return req
	}
	if hit {
		req := newRequest(addr, size, prio)
		data := make([]byte, size)
		n, err := c.store.GetBlockData(slot, data)
		if err != nil {
			req.fail(err)
			c.observe(false, start)
			return req
		}
		req.resolve(data[:n], c.name, slot)
		c.hits.Add(1)
		c.observe(true, start)
		return req
	}

	if reads != nil {
		var reserveErr error
		req := reads.GetOrCreate(addr.BlockIndex, func() *Request {
			newReq := newRequest(addr, size, prio)
			slot, _, err := c.reserveOrEvict(bin, addr, prio)
			if err != nil {
				reserveErr = err
				return newReq
			}
			newReq.reservedSlot = slot
			return newReq
		})
		c.misses.Add(1)
		c.observe(false, start)

		if reserveErr != nil {
			c.full.Add(1)
			if c.metrics != nil {
				c.metrics.RecordFull(c.name)
			}
			req.markFull()
		}
		return req
	}

	slot, _, err = c.reserveOrEvict(bin, addr, prio)
	req := newRequest(addr, size, prio)
	c.misses.Add(1)
	c.observe(false, start)

	if err != nil {
		c.full.Add(1)
		if c.metrics != nil {
			c.metrics.RecordFull(c.name)
		}
		req.markFull()
		return req
	}

	req.reservedSlot = slot
	return req
}

func (c *BoundedCache) observe(hit bool, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveRequest(c.name, hit, time.Since(start))
	}
}

// lookupHit scans a bin under its reader lock for an AVAIL match, bumping
// ActiveCnt atomically on success (I4). Returns false on RESERVED matches
// too — those are misses-with-existing-reservation, handled by the caller
// via the reads map.
func (c *BoundedCache) lookupHit(bin uint32, addr BlockAddress) (slot int, ok bool, err error) {
	runlock, err := c.meta.rlockBin(bin)
	if err != nil {
		return 0, false, err
	}
	defer runlock()

	for _, i := range c.slotsForBin(bin) {
		e := c.meta.entry(i)
		if e.Status == StatusAvail && e.matches(addr) {
			c.meta.incActiveCnt(i)
			return i, true, nil
		}
	}
	return 0, false, nil
}

// reserveOrEvict implements the writer-lock half of the lookup/admission
// algorithm: re-scan for a race winner, then pick a victim per spec.md
// §4.1's three-tier preference (EMPTY, then smallest-timestamp
// demand-shielded, then smallest-timestamp any), or report ErrFull. prio
// follows servefile's convention (prio < 0 is a prefetch), and is recorded
// on the reservation so later eviction passes can shield demand blocks.
func (c *BoundedCache) reserveOrEvict(bin uint32, addr BlockAddress, prio int) (slot int, wasEmpty bool, err error) {
	unlock, err := c.meta.lockBin(bin)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	slots := c.slotsForBin(bin)

	// Re-scan: another writer may have raced in and already reserved/filled it.
	for _, i := range slots {
		if c.meta.entry(i).matches(addr) {
			return i, false, nil
		}
	}

	victim := -1
	victimEmpty := false

	// Prefer an EMPTY slot.
	for _, i := range slots {
		if c.meta.entry(i).Status == StatusEmpty {
			victim = i
			victimEmpty = true
			break
		}
	}

	// Else smallest-timestamp, activeCnt==0, prefetched!=0 (demand-shielded:
	// a speculative slot is evicted ahead of any demand-admitted peer).
	if victim == -1 {
		best := -1
		var bestTS uint64
		for _, i := range slots {
			e := c.meta.entry(i)
			if e.Status != StatusAvail || c.meta.activeCnt(i) != 0 || e.Prefetched == 0 {
				continue
			}
			if best == -1 || e.TimeStamp < bestTS {
				best = i
				bestTS = e.TimeStamp
			}
		}
		victim = best
	}

	// Else smallest-timestamp, activeCnt==0 (prefetched victims allowed too).
	if victim == -1 {
		best := -1
		var bestTS uint64
		for _, i := range slots {
			e := c.meta.entry(i)
			if e.Status != StatusAvail || c.meta.activeCnt(i) != 0 {
				continue
			}
			if best == -1 || e.TimeStamp < bestTS {
				best = i
				bestTS = e.TimeStamp
			}
		}
		victim = best
	}

	if victim == -1 {
		return 0, false, ErrFull
	}

	e := c.meta.entry(victim)
	if e.Status == StatusAvail {
		if err := c.store.CleanUpBlockData(victim); err != nil {
			return 0, false, err
		}
		c.evictions.Add(1)
		if c.metrics != nil {
			reason := "any"
			if e.Prefetched != 0 {
				reason = "demand-shielded"
			}
			c.metrics.RecordEviction(c.name, reason)
		}
	}

	ts := c.clock.Add(1)
	e.FileIndex = uint32(addr.FileIndex) + 1
	e.BlockIndex = uint32(addr.BlockIndex) + 1
	e.Status = StatusReserved
	e.TimeStamp = ts
	if prio < 0 {
		e.Prefetched = 1
	} else {
		e.Prefetched = 0
	}
	e.ActiveCnt = 0
	c.meta.setEntry(victim, e)

	c.reservations.Add(1)
	if c.metrics != nil {
		c.metrics.RecordReservation(c.name)
	}

	return victim, victimEmpty, nil
}

// WriteBlock transitions a reserved slot to AVAIL and writes its data,
// implementing spec.md §4.1's writeBlock. If the reservation was reclaimed
// by eviction in the meantime (another writer's bin lock won the race),
// the write is dropped and recorded as a wasted fetch.
func (c *BoundedCache) WriteBlock(req *Request) error {
	addr := req.Addr
	bin := c.hashBin(addr)
	unlock, err := c.meta.lockBin(bin)
	if err != nil {
		return err
	}
	defer unlock()

	slot := req.reservedSlot
	e := c.meta.entry(slot)
	if e.Status != StatusReserved || !e.matches(addr) {
		c.wastedFetches.Add(1)
		if c.metrics != nil {
			c.metrics.RecordWastedFetch(c.name)
		}
		return ErrNotReserved
	}

	if err := c.store.SetBlockData(slot, req.Data); err != nil {
		return err
	}

	e.Status = StatusAvail
	setOrigCache(&e, req.Originating)
	c.meta.setEntry(slot, e)
	req.installedSlot = slot
	return nil
}

// BufferWrite releases one reader's hold on the block the Request named,
// implementing spec.md §4.1's bufferWrite (decBlkCnt). It must be called
// exactly once per successful RequestBlock whose data the caller consumed;
// leaking it pins the slot against eviction (spec.md §4.5).
func (c *BoundedCache) BufferWrite(req *Request) {
	if req.reservedSlot < 0 && req.installedSlot < 0 {
		return
	}
	slot := req.installedSlot
	if slot < 0 {
		slot = req.reservedSlot
	}
	if slot < 0 || slot >= int(c.numBlocks) {
		return
	}
	c.meta.decActiveCnt(slot)
}

// AnyUsers reports whether a slot currently has active readers.
func (c *BoundedCache) AnyUsers(slot int) bool {
	return c.meta.activeCnt(slot) != 0
}

// releaseLocked transitions a slot from AVAIL to EMPTY, requiring activeCnt
// == 0 (I3). Caller must hold the owning bin's write lock.
func (c *BoundedCache) releaseLocked(slot int) error {
	if c.meta.activeCnt(slot) != 0 {
		return nil
	}
	e := c.meta.entry(slot)
	if e.Status != StatusAvail {
		return nil
	}
	if err := c.store.CleanUpBlockData(slot); err != nil {
		return err
	}
	e.Status = StatusEmpty
	e.FileIndex = 0
	e.BlockIndex = 0
	c.meta.setEntry(slot, e)
	return nil
}

// ReleaseAddr locates addr's slot within its bin and releases it if present
// and unused (I3). No-op if the address is not cached or still in use.
func (c *BoundedCache) ReleaseAddr(addr BlockAddress) error {
	bin := c.hashBin(addr)
	unlock, err := c.meta.lockBin(bin)
	if err != nil {
		return err
	}
	defer unlock()

	for _, i := range c.slotsForBin(bin) {
		if c.meta.entry(i).matches(addr) {
			return c.releaseLocked(i)
		}
	}
	return nil
}

// Close marks the tier closed; subsequent RequestBlock calls still function
// (BoundedCache has no background goroutines of its own to stop) but
// CacheHierarchy stops routing to a tier once closed.
func (c *BoundedCache) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (c *BoundedCache) Closed() bool {
	return c.closed.Load()
}

// Stats returns a point-in-time snapshot of the tier's counters.
func (c *BoundedCache) Stats() Stats {
	active := 0
	for i := 0; i < int(c.numBlocks); i++ {
		if c.meta.activeCnt(i) != 0 {
			active++
		}
	}
	if c.metrics != nil {
		c.metrics.RecordActiveSlots(c.name, active)
	}
	return Stats{
		Name:          c.name,
		NumBlocks:     c.numBlocks,
		NumBins:       c.numBins,
		Associativity: c.associativity,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Reservations:  c.reservations.Load(),
		Evictions:     c.evictions.Load(),
		WastedFetches: c.wastedFetches.Load(),
		Full:          c.full.Load(),
		ActiveSlots:   active,
	}
}
