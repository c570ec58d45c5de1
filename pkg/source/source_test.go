package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

func TestDiskOrigin_RequestBlockReadsRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.bin")
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg, err := register.New(nil)
	if err != nil {
		t.Fatalf("register.New: %v", err)
	}
	fileIdx, err := reg.Register(path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pool := threadpool.New(2)
	origin := NewDiskOrigin("origin", reg, pool, 64)

	reads := cache.NewRequestMap()
	req := origin.RequestBlock(cache.BlockAddress{FileIndex: fileIdx, BlockIndex: 1}, 64, reads, 0)

	data, err := req.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(data) != 64 {
		t.Fatalf("expected 64 bytes, got %d", len(data))
	}
	for i, b := range data {
		if b != payload[64+i] {
			t.Fatalf("mismatch at %d: got %x want %x", i, b, payload[64+i])
		}
	}
}

func TestDiskOrigin_RequestBlockDedupesInFlightReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.bin")
	if err := os.WriteFile(path, make([]byte, 64), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg, err := register.New(nil)
	if err != nil {
		t.Fatalf("register.New: %v", err)
	}
	fileIdx, err := reg.Register(path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pool := threadpool.New(2)
	origin := NewDiskOrigin("origin", reg, pool, 64)
	reads := cache.NewRequestMap()

	addr := cache.BlockAddress{FileIndex: fileIdx, BlockIndex: 0}
	first := origin.RequestBlock(addr, 64, reads, 0)
	second := origin.RequestBlock(addr, 64, reads, 0)

	if first != second {
		t.Fatalf("expected the same in-flight Request to be returned")
	}
	if _, err := first.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDiskOrigin_RequestBlockUnregisteredFileFails(t *testing.T) {
	reg, err := register.New(nil)
	if err != nil {
		t.Fatalf("register.New: %v", err)
	}
	pool := threadpool.New(1)
	origin := NewDiskOrigin("origin", reg, pool, 64)

	reads := cache.NewRequestMap()
	req := origin.RequestBlock(cache.BlockAddress{FileIndex: 999, BlockIndex: 0}, 64, reads, 0)

	if _, err := req.Wait(); err == nil {
		t.Fatalf("expected an error for an unregistered file index")
	}
}
