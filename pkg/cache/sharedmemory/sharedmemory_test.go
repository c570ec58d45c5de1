package sharedmemory

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	cachetest "github.com/pnnl-tazer/tazer-go/pkg/cache/testing"
)

// segmentCounter keeps every test's /dev/shm segment name unique so
// parallel test binaries never collide on the same path.
var segmentCounter atomic.Uint64

func freshName(t *testing.T) string {
	name := fmt.Sprintf("test-%d", segmentCounter.Add(1))
	t.Cleanup(func() {
		store, err := Open(name, suiteNumBlocks, suiteBlockSize, suiteNumBlocks/suiteAssociativity, suiteAssociativity)
		if err == nil {
			store.Close()
			store.Unlink()
		}
	})
	return name
}

const (
	suiteBlockSize     = 64
	suiteAssociativity = 2
	suiteNumBins       = 4
	suiteNumBlocks     = suiteNumBins * suiteAssociativity
	suiteCacheSize     = suiteNumBlocks * suiteBlockSize
)

func TestSharedMemoryCache_Conformance(t *testing.T) {
	suite := &cachetest.Suite{
		New: func(t *testing.T) *cache.BoundedCache {
			bc, err := New(freshName(t), suiteCacheSize, suiteBlockSize, suiteAssociativity, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			return bc
		},
	}
	suite.Run(t)
}

// TestNew_SegmentIsCrossProcess mirrors pkg/cache/filelock's own cross-
// process test: two independently attached BoundedCache instances over the
// same segment name must observe one shared reservation rather than two
// private ones (spec.md §4.2).
func TestNew_SegmentIsCrossProcess(t *testing.T) {
	name := freshName(t)

	bc1, err := New(name, suiteCacheSize, suiteBlockSize, suiteAssociativity, nil)
	if err != nil {
		t.Fatalf("New(attach 1): %v", err)
	}
	defer bc1.Close()

	bc2, err := New(name, suiteCacheSize, suiteBlockSize, suiteAssociativity, nil)
	if err != nil {
		t.Fatalf("New(attach 2): %v", err)
	}
	defer bc2.Close()

	addr := cache.BlockAddress{FileIndex: 1, BlockIndex: 0}

	reads1 := cache.NewRequestMap()
	req1 := bc1.RequestBlock(addr, suiteBlockSize, reads1, 0)
	if req1.Ready() || req1.Full() {
		t.Fatalf("expected attach 1 to reserve a fresh slot")
	}

	reads2 := cache.NewRequestMap()
	req2 := bc2.RequestBlock(addr, suiteBlockSize, reads2, 0)
	if req2.Ready() {
		t.Fatalf("expected attach 2 to observe a pending reservation, not a hit")
	}

	payload := make([]byte, suiteBlockSize)
	for i := range payload {
		payload[i] = 0x7E
	}
	req1.Data = payload
	if err := bc1.WriteBlock(req1); err != nil {
		t.Fatalf("attach 1 WriteBlock: %v", err)
	}
	reads1.Delete(addr.BlockIndex)

	hit := bc2.RequestBlock(addr, suiteBlockSize, cache.NewRequestMap(), 0)
	if !hit.Ready() || hit.Data[0] != 0x7E {
		t.Fatalf("expected attach 2 to observe attach 1's write-back as a hit, got ready=%v data=%v", hit.Ready(), hit.Data)
	}
	bc2.BufferWrite(hit)
}

// TestRLockBin_AllowsConcurrentReaders proves the bin lock is a genuine
// reader/writer pair, not a single exclusive mode: two shared locks on the
// same bin must both succeed without blocking each other.
func TestRLockBin_AllowsConcurrentReaders(t *testing.T) {
	name := freshName(t)
	store, err := Open(name, suiteNumBlocks, suiteBlockSize, suiteNumBins, suiteAssociativity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	unlock1, err := store.RLockBin(0, suiteAssociativity)
	if err != nil {
		t.Fatalf("RLockBin (first): %v", err)
	}
	defer unlock1()

	done := make(chan error, 1)
	go func() {
		unlock2, err := store.RLockBin(0, suiteAssociativity)
		if err == nil {
			unlock2()
		}
		done <- err
	}()

	if err := <-done; err != nil {
		t.Fatalf("RLockBin (second, concurrent with first): %v", err)
	}
}
