// Package testing provides a shared conformance suite run against every
// cache.DataStore-backed tier (memory, shared memory, local file, bounded
// filelock), so all four exercise the same lookup/admission/eviction
// semantics through cache.BoundedCache. Grounded on the teacher's pattern of
// a single suite type driven by a constructor closure per backend.
package testing

import (
	"sync"
	"testing"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// Suite runs cache.BoundedCache's contract against one tier construction.
type Suite struct {
	// New builds a fresh, empty BoundedCache for one test. name/blockSize/
	// associativity are fixed by the suite so numBlocks/numBins come out
	// small and deterministic (4 bins x 2 ways = 8 blocks).
	New func(t *testing.T) *cache.BoundedCache
}

const (
	suiteBlockSize     = 64
	suiteAssociativity = 2
	suiteNumBins       = 4
	suiteNumBlocks     = suiteNumBins * suiteAssociativity
	suiteCacheSize     = suiteNumBlocks * suiteBlockSize
)

// Run executes the full conformance suite as subtests.
func (s *Suite) Run(t *testing.T) {
	t.Run("MissThenHit", s.testMissThenHit)
	t.Run("ConcurrentRequestersShareFuture", s.testSharedFuture)
	t.Run("ConcurrentRequestersRaceOneFetch", s.testConcurrentSharedFuture)
	t.Run("BufferWriteReleasesActiveCnt", s.testBufferWriteReleases)
	t.Run("EvictionPrefersEmptyThenLRU", s.testEvictionOrder)
	t.Run("ActiveSlotCannotBeEvicted", s.testActiveSlotPinned)
	t.Run("PrefetchedSlotsEvictedBeforeDemand", s.testPrefetchShielding)
}

// testHashBin mirrors BoundedCache.hashBin's mixing exactly, so tests that
// need several addresses to collide in the same bin can search for them
// without access to the cache's unexported internals.
func testHashBin(fileIdx cache.FileIndex, blockIdx cache.BlockIndex, numBins uint32) uint32 {
	h := uint64(fileIdx)*2654435761 ^ uint64(blockIdx)*2246822519
	h ^= h >> 33
	return uint32(h % uint64(numBins))
}

func fill(data byte, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = data
	}
	return buf
}

func (s *Suite) testMissThenHit(t *testing.T) {
	bc := s.New(t)
	addr := cache.BlockAddress{FileIndex: 1, BlockIndex: 0}
	reads := cache.NewRequestMap()

	req := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
	if req.Ready() {
		t.Fatalf("expected a miss on first request")
	}
	if req.Full() {
		t.Fatalf("expected a reservation, not FULL, on an empty cache")
	}

	payload := fill(0xAB, suiteBlockSize)
	req.Data = payload
	if err := bc.WriteBlock(req); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	reads.Delete(addr.BlockIndex)

	hitReq := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
	if !hitReq.Ready() {
		t.Fatalf("expected a hit after WriteBlock")
	}
	if hitReq.Data[0] != 0xAB {
		t.Fatalf("expected hit data to match what was written, got %x", hitReq.Data[0])
	}
	bc.BufferWrite(hitReq)
}

func (s *Suite) testSharedFuture(t *testing.T) {
	bc := s.New(t)
	addr := cache.BlockAddress{FileIndex: 2, BlockIndex: 0}
	reads := cache.NewRequestMap()

	first := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
	second := bc.RequestBlock(addr, suiteBlockSize, reads, 0)

	if first != second {
		t.Fatalf("expected concurrent requesters of the same block to share one Request")
	}
}

// testConcurrentSharedFuture hammers the same miss address from many real
// goroutines at once. Anything short of an atomic get-or-create in
// RequestMap can let two of them both win the reservation race and clobber
// each other's *Request, so this only proves the dedup guarantee (I5) when
// run under -race.
func (s *Suite) testConcurrentSharedFuture(t *testing.T) {
	bc := s.New(t)
	addr := cache.BlockAddress{FileIndex: 4, BlockIndex: 0}
	reads := cache.NewRequestMap()

	const n = 32
	results := make([]*cache.Request, n)
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			start.Wait()
			results[i] = bc.RequestBlock(addr, suiteBlockSize, reads, 0)
		}()
	}
	start.Done()
	wg.Wait()

	first := results[0]
	for i, r := range results {
		if r != first {
			t.Fatalf("requester %d got a distinct Request; at most one fetch may be in flight per block", i)
		}
	}
}

func (s *Suite) testBufferWriteReleases(t *testing.T) {
	bc := s.New(t)
	addr := cache.BlockAddress{FileIndex: 3, BlockIndex: 0}
	reads := cache.NewRequestMap()

	req := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
	req.Data = fill(0x01, suiteBlockSize)
	if err := bc.WriteBlock(req); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	reads.Delete(addr.BlockIndex)

	hit := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
	if !hit.Ready() {
		t.Fatalf("expected a hit")
	}
	bc.BufferWrite(hit)

	stats := bc.Stats()
	if stats.ActiveSlots != 0 {
		t.Fatalf("expected 0 active slots after BufferWrite, got %d", stats.ActiveSlots)
	}
}

func (s *Suite) testEvictionOrder(t *testing.T) {
	bc := s.New(t)
	reads := cache.NewRequestMap()

	fileIdx := cache.FileIndex(10)
	for i := 0; i < suiteAssociativity+1; i++ {
		addr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: cache.BlockIndex(i)}
		req := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
		if req.Full() {
			continue
		}
		req.Data = fill(byte(i), suiteBlockSize)
		if err := bc.WriteBlock(req); err != nil {
			t.Fatalf("WriteBlock(%d): %v", i, err)
		}
		reads.Delete(addr.BlockIndex)
	}

	stats := bc.Stats()
	if stats.Evictions == 0 {
		t.Fatalf("expected at least one eviction once a bin overflows its associativity")
	}
}

func (s *Suite) testActiveSlotPinned(t *testing.T) {
	bc := s.New(t)
	reads := cache.NewRequestMap()

	fileIdx := cache.FileIndex(20)
	addr0 := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: 0}
	req0 := bc.RequestBlock(addr0, suiteBlockSize, reads, 0)
	req0.Data = fill(0x11, suiteBlockSize)
	if err := bc.WriteBlock(req0); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	reads.Delete(addr0.BlockIndex)

	// Take a reader hold and keep it, then force enough evictions to cycle
	// the whole bin; the held slot must survive.
	hold := bc.RequestBlock(addr0, suiteBlockSize, reads, 0)
	if !hold.Ready() {
		t.Fatalf("expected a hit")
	}

	for i := 1; i < suiteAssociativity+3; i++ {
		addr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: cache.BlockIndex(i)}
		req := bc.RequestBlock(addr, suiteBlockSize, reads, 0)
		if req.Full() {
			continue
		}
		req.Data = fill(byte(i), suiteBlockSize)
		_ = bc.WriteBlock(req)
		reads.Delete(addr.BlockIndex)
	}

	again := bc.RequestBlock(addr0, suiteBlockSize, cache.NewRequestMap(), 0)
	if !again.Ready() || again.Data[0] != 0x11 {
		t.Fatalf("expected the actively-held block to survive eviction pressure")
	}
	bc.BufferWrite(hold)
	bc.BufferWrite(again)
}

// testPrefetchShielding proves spec.md §8 scenario #3: when a bin is full of
// one demand-admitted and one prefetch-admitted block, a colliding demand
// request must evict the prefetched slot, never the demand one.
func (s *Suite) testPrefetchShielding(t *testing.T) {
	bc := s.New(t)
	reads := cache.NewRequestMap()

	fileIdx := cache.FileIndex(99)
	bins := map[uint32][]cache.BlockIndex{}
	var demandIdx, prefetchIdx, thirdIdx cache.BlockIndex
	found := false
	for b := cache.BlockIndex(0); b < 10000; b++ {
		bin := testHashBin(fileIdx, b, suiteNumBins)
		bins[bin] = append(bins[bin], b)
		if len(bins[bin]) == suiteAssociativity+1 {
			group := bins[bin]
			demandIdx, prefetchIdx, thirdIdx = group[0], group[1], group[2]
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("could not find %d colliding block indices for a single bin", suiteAssociativity+1)
	}

	demandAddr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: demandIdx}
	demandReq := bc.RequestBlock(demandAddr, suiteBlockSize, reads, 0)
	demandReq.Data = fill(0xD0, suiteBlockSize)
	if err := bc.WriteBlock(demandReq); err != nil {
		t.Fatalf("WriteBlock(demand): %v", err)
	}
	reads.Delete(demandAddr.BlockIndex)

	prefetchAddr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: prefetchIdx}
	prefetchReq := bc.RequestBlock(prefetchAddr, suiteBlockSize, reads, -1)
	prefetchReq.Data = fill(0xF0, suiteBlockSize)
	if err := bc.WriteBlock(prefetchReq); err != nil {
		t.Fatalf("WriteBlock(prefetch): %v", err)
	}
	reads.Delete(prefetchAddr.BlockIndex)

	// The bin is now full (demand + prefetch, both AVAIL, activeCnt==0). A
	// third, colliding demand request must displace the prefetched slot.
	thirdAddr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: thirdIdx}
	thirdReq := bc.RequestBlock(thirdAddr, suiteBlockSize, reads, 0)
	if thirdReq.Full() {
		t.Fatalf("expected a reservation by evicting the prefetched slot, got FULL")
	}

	stillThere := bc.RequestBlock(demandAddr, suiteBlockSize, cache.NewRequestMap(), 0)
	if !stillThere.Ready() || stillThere.Data[0] != 0xD0 {
		t.Fatalf("expected the demand-admitted block to survive eviction pressure from a colliding prefetch")
	}
	bc.BufferWrite(stillThere)
}
