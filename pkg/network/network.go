// Package network implements NetworkCache (spec.md §4.3): the terminal
// hierarchy tier that performs the actual wire fetch against a pool of
// tazerd servers, retrying on another server on transport failure and
// running decompression on a separate pool so CPU-bound work never stalls
// behind I/O-bound work.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
	"github.com/pnnl-tazer/tazer-go/pkg/wire"
)

// ErrTransport is the error kind surfaced on a Request that exhausted
// maxRetries against every server in the pool (spec.md §7: TransportFailure).
var ErrTransport = errors.New("network cache: transport failure, retries exhausted")

// server tracks one backend connection target's health, used to weight
// round-robin selection away from recently-failing servers.
type server struct {
	addr     string
	useCnt   atomic.Uint64
	consecCnt atomic.Uint64 // consecutive failures
}

// ConnectionPool is the set of candidate servers for one open file.
type ConnectionPool struct {
	mu      sync.Mutex
	servers []*server
	next    int
}

// NewConnectionPool builds a pool from a list of "host:port" addresses.
func NewConnectionPool(addrs []string) *ConnectionPool {
	p := &ConnectionPool{}
	for _, a := range addrs {
		p.servers = append(p.servers, &server{addr: a})
	}
	return p
}

// pick returns the next server to try, weighted away from ones with a high
// consecutive-failure count: a server is skipped (not excluded) if another
// healthier one is available this round.
func (p *ConnectionPool) pick(exclude map[string]bool) *server {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.servers) == 0 {
		return nil
	}

	var best *server
	n := len(p.servers)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		s := p.servers[idx]
		if exclude[s.addr] {
			continue
		}
		if best == nil || s.consecCnt.Load() < best.consecCnt.Load() {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	p.next = (p.next + 1) % n
	return best
}

// Cache is the terminal NetworkCache tier. It holds no slots of its own:
// RequestBlock always returns a Request it resolves asynchronously via a
// priority transfer task, and WriteBlock is a no-op (there is nothing
// "installed" here for the hierarchy to promote past this tier).
type Cache struct {
	name string

	transferPool *threadpool.Pool
	decompressPool *threadpool.Pool
	maxRetries   int
	dialTimeout  time.Duration

	pools   map[cache.FileIndex]*ConnectionPool
	poolsMu sync.RWMutex

	paths map[cache.FileIndex]string
	pathsMu sync.RWMutex

	blockSize uint32
}

// Config configures a Cache.
type Config struct {
	MaxRetries  int
	DialTimeout time.Duration
	BlockSize   uint32
}

// New constructs a NetworkCache tier sharing transferPool and
// decompressPool with any other subsystem that also uses them (spec.md
// §4.6: pools are reference-counted, shared collaborators).
func New(name string, transferPool, decompressPool *threadpool.Pool, cfg Config) *Cache {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Cache{
		name:           name,
		transferPool:   transferPool,
		decompressPool: decompressPool,
		maxRetries:     cfg.MaxRetries,
		dialTimeout:    cfg.DialTimeout,
		blockSize:      cfg.BlockSize,
		pools:          make(map[cache.FileIndex]*ConnectionPool),
		paths:          make(map[cache.FileIndex]string),
	}
}

// RegisterFile associates fileIdx with path and the pool of servers known
// to hold it, so later RequestBlock calls know where to fetch from.
// Grounded on ServeFile registering connection pools into NetworkCache
// (spec.md §9: the cyclic-ownership note resolved via a weak, FileIndex-
// keyed handle rather than a direct back-reference).
func (c *Cache) RegisterFile(fileIdx cache.FileIndex, path string, pool *ConnectionPool) {
	c.pathsMu.Lock()
	c.paths[fileIdx] = path
	c.pathsMu.Unlock()

	c.poolsMu.Lock()
	c.pools[fileIdx] = pool
	c.poolsMu.Unlock()
}

func (c *Cache) Name() string { return c.name }

// FreeSpace is always zero: the network tier holds nothing, so it never
// throttles prefetch on its own account.
func (c *Cache) FreeSpace() uint32 { return 0 }

// WriteBlock is a no-op: the network tier produced data directly into its
// own Request via Resolve, there is no slot here for the hierarchy to
// install into.
func (c *Cache) WriteBlock(req *cache.Request) error { return nil }

// RequestBlock always accepts (a terminal tier never returns FULL) and
// enqueues a fetch task on the shared transfer pool.
func (c *Cache) RequestBlock(addr cache.BlockAddress, size uint32, reads *cache.RequestMap, prio int) *cache.Request {
	var fresh *cache.Request
	req := reads.GetOrCreate(addr.BlockIndex, func() *cache.Request {
		fresh = cache.NewPendingRequest(addr, size, prio)
		return fresh
	})

	if req == fresh {
		c.transferPool.Submit(prio, func() {
			c.fetch(addr, size, req)
		})
	}

	return req
}

func (c *Cache) fetch(addr cache.BlockAddress, size uint32, req *cache.Request) {
	c.poolsMu.RLock()
	pool := c.pools[addr.FileIndex]
	c.poolsMu.RUnlock()

	c.pathsMu.RLock()
	path := c.paths[addr.FileIndex]
	c.pathsMu.RUnlock()

	if pool == nil {
		req.Fail(fmt.Errorf("network cache: no connection pool registered for file %d", addr.FileIndex))
		return
	}

	tried := map[string]bool{}
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		srv := pool.pick(tried)
		if srv == nil {
			break
		}
		tried[srv.addr] = true

		data, err := c.fetchFrom(srv, path, addr, size)
		if err != nil {
			srv.consecCnt.Add(1)
			logger.Warn("network cache: fetch failed, retrying", "server", srv.addr, "file", addr.FileIndex, "block", addr.BlockIndex, "error", err)
			continue
		}

		srv.consecCnt.Store(0)
		srv.useCnt.Add(1)
		req.Resolve(data, c.name)
		return
	}

	req.Fail(ErrTransport)
}

func (c *Cache) fetchFrom(srv *server, path string, addr cache.BlockAddress, size uint32) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", srv.addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", srv.addr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.Frame{
		Kind: wire.KindRequestBlock,
		Path: path,
		Payload: wire.EncodeRequestBlockMsg(wire.RequestBlockMsg{
			Block:          uint64(addr.BlockIndex),
			WantCompressed: true,
		}),
	}); err != nil {
		return nil, fmt.Errorf("send REQUEST_BLK_MSG: %w", err)
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if frame.Kind == wire.KindErrorReply {
		return nil, fmt.Errorf("server error: %s", string(frame.Payload))
	}
	if frame.Kind != wire.KindSendBlock {
		return nil, fmt.Errorf("unexpected reply kind %d", frame.Kind)
	}

	msg, payload, err := wire.DecodeSendBlockMsg(frame.Payload)
	if err != nil {
		return nil, err
	}

	if msg.Compression == wire.CompressionNone {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	decompressed := make(chan []byte, 1)
	decompressErr := make(chan error, 1)
	c.decompressPool.Submit(0, func() {
		data, err := wire.Decompress(payload, int(size))
		if err != nil {
			decompressErr <- err
			return
		}
		decompressed <- data
	})

	select {
	case data := <-decompressed:
		return data, nil
	case err := <-decompressErr:
		return nil, fmt.Errorf("decompress: %w", err)
	}
}
