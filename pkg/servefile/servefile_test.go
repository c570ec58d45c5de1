package servefile

import (
	"testing"

	"github.com/pnnl-tazer/tazer-go/pkg/cache/memory"
	"github.com/pnnl-tazer/tazer-go/pkg/hierarchy"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

func newTestHierarchy(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	top := memory.New("mem", 4096, 64, 2, nil)
	bottom := memory.New("mem-bottom", 4096, 64, 2, nil)
	return hierarchy.New(top, bottom)
}

func TestServeFile_ServeBlockAfterWrite(t *testing.T) {
	reg, err := register.New(nil)
	if err != nil {
		t.Fatalf("register.New: %v", err)
	}
	hier := newTestHierarchy(t)
	pool := threadpool.New(2)

	sf, err := New("/v/f.bin", Metadata{Size: 128, BlockSize: 64}, reg, hier, pool, Config{InitialCompressTasks: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := sf.WriteBlock(0, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := sf.ServeBlock(0)
	if err != nil {
		t.Fatalf("ServeBlock: %v", err)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected block contents: %v", got[:4])
	}

	sf.Close()
}

func TestServeFile_ServeBlockOutOfRange(t *testing.T) {
	reg, _ := register.New(nil)
	hier := newTestHierarchy(t)
	pool := threadpool.New(1)

	sf, err := New("/v/f.bin", Metadata{Size: 128, BlockSize: 64}, reg, hier, pool, Config{InitialCompressTasks: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sf.Close()

	if _, err := sf.ServeBlock(5); err == nil {
		t.Fatal("expected an error for an out-of-range block")
	}
}

func TestServeFile_FileIndexIsStable(t *testing.T) {
	reg, _ := register.New(nil)
	hier := newTestHierarchy(t)
	pool := threadpool.New(1)

	sf1, err := New("/v/f.bin", Metadata{Size: 64, BlockSize: 64}, reg, hier, pool, Config{InitialCompressTasks: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sf1.Close()

	idx, err := reg.Register("/v/f.bin")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if idx != sf1.FileIndex() {
		t.Fatalf("expected re-registering the same path to return the ServeFile's index %d, got %d", sf1.FileIndex(), idx)
	}
}
