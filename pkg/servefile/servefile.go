// Package servefile implements ServeFile (spec.md §4.7): the per-file
// server-side engine that resolves metadata, registers the file in
// FileCacheRegister, serves block requests through a CacheHierarchy with
// on-demand compression, and maintains a sliding prefetch window.
//
// Grounded directly on original_source/src/server/ServeFile.cpp for the
// responsibilities list, and on the teacher's pkg/cache/flusher ticker-
// sweep idiom for "continue the window on each completion" scheduling --
// here realized as "submit the next prefetch task from within the
// completion of the previous one" instead of a ticker, since the window
// advances on task completion, not on a fixed schedule.
package servefile

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/hierarchy"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

// Metadata is what ServeFile needs to know about a file to serve it:
// resolved either from local disk or by asking the server pool.
type Metadata struct {
	Size      uint64
	BlockSize uint32
	Compressed bool
}

func (m Metadata) blockCount() uint32 {
	if m.BlockSize == 0 {
		return 0
	}
	n := m.Size / uint64(m.BlockSize)
	if m.Size%uint64(m.BlockSize) != 0 {
		n++
	}
	return uint32(n)
}

// ServeFile is the per-file serving engine. One instance is shared by
// every client connection for a given path via Trackable (C11) so the
// hierarchy and prefetch window are never duplicated per-connection.
type ServeFile struct {
	path      string
	fileIndex cache.FileIndex
	meta      Metadata

	hier *hierarchy.Hierarchy
	pool *threadpool.Pool

	initialCompressTasks int
	prefetchNext         atomic.Uint32 // next block index to prefetch
	prefetchMu           sync.Mutex    // serializes window-advance decisions

	writeMu          sync.Mutex
	outstandingWrites sync.WaitGroup
	closed           atomic.Bool
}

// Config configures a new ServeFile instance.
type Config struct {
	InitialCompressTasks int
}

// New resolves path's metadata, registers it, and constructs a ServeFile
// ready to serve block requests. Grounded on ServeFile.cpp's constructor
// responsibilities (a, b): resolve metadata, register in FileCacheRegister.
func New(path string, meta Metadata, reg *register.Register, hier *hierarchy.Hierarchy, pool *threadpool.Pool, cfg Config) (*ServeFile, error) {
	fileIndex, err := reg.Register(path)
	if err != nil {
		return nil, fmt.Errorf("servefile: register %q: %w", path, err)
	}

	if cfg.InitialCompressTasks <= 0 {
		cfg.InitialCompressTasks = 8
	}

	sf := &ServeFile{
		path:                 path,
		fileIndex:            fileIndex,
		meta:                 meta,
		hier:                 hier,
		pool:                 pool,
		initialCompressTasks: cfg.InitialCompressTasks,
	}

	sf.startPrefetchWindow()
	return sf, nil
}

// Path returns the served file's path.
func (sf *ServeFile) Path() string { return sf.path }

// FileIndex returns the FileCacheRegister index assigned to this file.
func (sf *ServeFile) FileIndex() cache.FileIndex { return sf.fileIndex }

// ServeBlock answers a client's request for block b: hierarchy lookup,
// then ship the payload (compression is the wire layer's concern; this
// returns raw bytes for the caller to frame and, if meta.Compressed and
// the client asked for it, compress before sending).
func (sf *ServeFile) ServeBlock(b uint32) ([]byte, error) {
	if uint64(b) >= uint64(sf.meta.blockCount()) {
		return nil, fmt.Errorf("servefile: block %d out of range for %q (%d blocks)", b, sf.path, sf.meta.blockCount())
	}

	addr := cache.BlockAddress{FileIndex: sf.fileIndex, BlockIndex: cache.BlockIndex(b)}
	req := sf.hier.RequestBlock(addr, sf.blockSizeFor(b), 0)

	data, err := req.Wait()
	if err != nil {
		return nil, fmt.Errorf("servefile: request block %d of %q: %w", b, sf.path, err)
	}
	return data, nil
}

func (sf *ServeFile) blockSizeFor(b uint32) uint32 {
	if uint64(b) == uint64(sf.meta.blockCount())-1 && sf.meta.Size%uint64(sf.meta.BlockSize) != 0 {
		return uint32(sf.meta.Size % uint64(sf.meta.BlockSize))
	}
	return sf.meta.BlockSize
}

// startPrefetchWindow fires the initial [0, initialCompressTasks) window
// fire-and-forget, each continuing the slide on its own completion while
// the hierarchy still has room (spec.md §4.7 (d)).
func (sf *ServeFile) startPrefetchWindow() {
	n := sf.meta.blockCount()
	limit := uint32(sf.initialCompressTasks)
	if limit > n {
		limit = n
	}
	sf.prefetchNext.Store(limit)

	for b := uint32(0); b < limit; b++ {
		sf.prefetchOne(b)
	}
}

func (sf *ServeFile) prefetchOne(b uint32) {
	sf.pool.Submit(-1, func() { // negative priority: prefetch never outranks demand reads
		if sf.closed.Load() {
			return
		}
		addr := cache.BlockAddress{FileIndex: sf.fileIndex, BlockIndex: cache.BlockIndex(b)}
		req := sf.hier.RequestBlock(addr, sf.blockSizeFor(b), -1)
		if _, err := req.Wait(); err != nil {
			logger.Debug("servefile: prefetch failed", "path", sf.path, "block", b, "error", err)
		}
		sf.advanceWindow()
	})
}

func (sf *ServeFile) advanceWindow() {
	sf.prefetchMu.Lock()
	defer sf.prefetchMu.Unlock()

	n := sf.meta.blockCount()
	if sf.closed.Load() {
		return
	}
	if sf.hier.FreeSpace() < sf.meta.BlockSize {
		return
	}
	next := sf.prefetchNext.Load()
	if next >= n {
		return
	}
	sf.prefetchNext.Add(1)
	sf.prefetchOne(next)
}

// WriteBlock serializes an incoming write for an output file through a
// per-file mutex (spec.md §4.7's write path), tracked so Close can drain
// outstanding writes before tearing the engine down.
func (sf *ServeFile) WriteBlock(b uint32, data []byte) error {
	sf.outstandingWrites.Add(1)
	defer sf.outstandingWrites.Done()

	sf.writeMu.Lock()
	defer sf.writeMu.Unlock()

	tiers := sf.hier.Tiers()
	if len(tiers) == 0 {
		return fmt.Errorf("servefile: no tiers configured")
	}

	addr := cache.BlockAddress{FileIndex: sf.fileIndex, BlockIndex: cache.BlockIndex(b)}
	reads := cache.NewRequestMap()
	top := tiers[0]
	req := top.RequestBlock(addr, uint32(len(data)), reads, 0)
	req.Data = data
	return top.WriteBlock(req)
}

// Close marks the engine closed (prefetch tasks stop continuing the
// window) and blocks until every outstanding write has drained -- the
// destructor cannot proceed until outstandingWrites == 0 (spec.md §4.7).
func (sf *ServeFile) Close() {
	sf.closed.Store(true)
	sf.outstandingWrites.Wait()
}
