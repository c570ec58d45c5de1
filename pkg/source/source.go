// Package source implements the hierarchy's terminal, always-resolving
// tier on the server side: where NetworkCache is the terminal tier a
// client's hierarchy descends to (fetch over the wire), DiskOrigin is the
// terminal tier tazerd's own hierarchy descends to -- a miss that reaches
// it is answered by reading the real file straight off local disk, keyed
// back from FileIndex to path via FileCacheRegister.
//
// Grounded on original_source/src/server/ServeFile.cpp's cache_init,
// which stacks MemoryCache and LocalFileCache in front of the real file
// with no separate "origin" concept in the C++: there, LocalFileCache's
// getBlockData IS the pread against the served file's fd. Here that
// responsibility is split out as its own tier so pkg/cache/localfile can
// stay what every other tier already is -- a bounded scratch cache -- and
// the thing that actually reads the served file's bytes is named for what
// it does.
package source

import (
	"fmt"
	"io"
	"os"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

// DiskOrigin is a terminal hierarchy.Tier that resolves a miss by reading
// the registered file's real bytes from local disk.
type DiskOrigin struct {
	name      string
	reg       *register.Register
	pool      *threadpool.Pool
	blockSize uint32
}

// NewDiskOrigin builds a DiskOrigin tier. blockSize is the hierarchy's
// fixed block size, used to compute each block's byte offset.
func NewDiskOrigin(name string, reg *register.Register, pool *threadpool.Pool, blockSize uint32) *DiskOrigin {
	return &DiskOrigin{name: name, reg: reg, pool: pool, blockSize: blockSize}
}

func (o *DiskOrigin) Name() string { return o.name }

// FreeSpace is always zero: like NetworkCache, DiskOrigin holds no slots
// of its own for the hierarchy to throttle prefetch against.
func (o *DiskOrigin) FreeSpace() uint32 { return 0 }

// WriteBlock is a no-op: writes land in the cache tiers above and are
// never pushed back down to the origin by the hierarchy itself.
func (o *DiskOrigin) WriteBlock(req *cache.Request) error { return nil }

// RequestBlock always accepts and reads addr's bytes directly off disk on
// the shared pool, mirroring network.Cache's fetch-on-submit shape.
func (o *DiskOrigin) RequestBlock(addr cache.BlockAddress, size uint32, reads *cache.RequestMap, prio int) *cache.Request {
	var fresh *cache.Request
	req := reads.GetOrCreate(addr.BlockIndex, func() *cache.Request {
		fresh = cache.NewPendingRequest(addr, size, prio)
		return fresh
	})

	if req == fresh {
		o.pool.Submit(prio, func() {
			o.resolve(addr, size, req)
		})
	}

	return req
}

func (o *DiskOrigin) resolve(addr cache.BlockAddress, size uint32, req *cache.Request) {
	path, ok := o.reg.Lookup(addr.FileIndex)
	if !ok {
		req.Fail(fmt.Errorf("source: no path registered for file %d", addr.FileIndex))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		req.Fail(fmt.Errorf("source: open %q: %w", path, err))
		return
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(addr.BlockIndex)*int64(o.blockSize))
	if err != nil && err != io.EOF {
		req.Fail(fmt.Errorf("source: read %q at block %d: %w", path, addr.BlockIndex, err))
		return
	}

	req.Resolve(buf[:n], o.name)
}
