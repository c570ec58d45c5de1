package memory

import (
	"testing"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	cachetest "github.com/pnnl-tazer/tazer-go/pkg/cache/testing"
)

func TestMemoryCache_Conformance(t *testing.T) {
	suite := &cachetest.Suite{
		New: func(t *testing.T) *cache.BoundedCache {
			return New("memory-test", 512, 64, 2, nil)
		},
	}
	suite.Run(t)
}

func TestStore_GetSetRoundTrip(t *testing.T) {
	store := NewStore(4, 64)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}

	if err := store.SetBlockData(2, data); err != nil {
		t.Fatalf("SetBlockData: %v", err)
	}

	out := make([]byte, 64)
	n, err := store.GetBlockData(2, out)
	if err != nil {
		t.Fatalf("GetBlockData: %v", err)
	}
	if n != 64 {
		t.Fatalf("expected 64 bytes, got %d", n)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("mismatch at byte %d: got %x want %x", i, out[i], data[i])
		}
	}
}

func TestStore_SetBlockDataZeroesTailOnShortWrite(t *testing.T) {
	store := NewStore(2, 64)

	full := make([]byte, 64)
	for i := range full {
		full[i] = 0xFF
	}
	if err := store.SetBlockData(0, full); err != nil {
		t.Fatalf("SetBlockData: %v", err)
	}

	short := []byte{0x01, 0x02, 0x03}
	if err := store.SetBlockData(0, short); err != nil {
		t.Fatalf("SetBlockData: %v", err)
	}

	out := make([]byte, 64)
	if _, err := store.GetBlockData(0, out); err != nil {
		t.Fatalf("GetBlockData: %v", err)
	}
	for i := 3; i < 64; i++ {
		if out[i] != 0 {
			t.Fatalf("expected tail byte %d to be zeroed, got %x", i, out[i])
		}
	}
}

func TestStore_OutOfRangeSlot(t *testing.T) {
	store := NewStore(2, 64)
	if _, err := store.GetBlockData(5, make([]byte, 64)); err == nil {
		t.Fatalf("expected an error for an out-of-range slot")
	}
}
