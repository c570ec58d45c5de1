package source

import (
	"context"
	"errors"
	"fmt"

	blockstore "github.com/pnnl-tazer/tazer-go/pkg/blocks/store"
	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
)

// ObjectOrigin is a terminal hierarchy.Tier that resolves a miss against
// an object-store-backed BlockStore instead of local disk, used when
// ObjectStoreConfig.Enabled rather than a bare local path (spec.md §4.3's
// object-store-backed variant of file resolution).
type ObjectOrigin struct {
	name  string
	reg   *register.Register
	store blockstore.BlockStore
	pool  *threadpool.Pool
}

// NewObjectOrigin builds an ObjectOrigin tier over store.
func NewObjectOrigin(name string, reg *register.Register, store blockstore.BlockStore, pool *threadpool.Pool) *ObjectOrigin {
	return &ObjectOrigin{name: name, reg: reg, store: store, pool: pool}
}

func (o *ObjectOrigin) Name() string { return o.name }

func (o *ObjectOrigin) FreeSpace() uint32 { return 0 }

func (o *ObjectOrigin) WriteBlock(req *cache.Request) error { return nil }

func (o *ObjectOrigin) RequestBlock(addr cache.BlockAddress, size uint32, reads *cache.RequestMap, prio int) *cache.Request {
	var fresh *cache.Request
	req := reads.GetOrCreate(addr.BlockIndex, func() *cache.Request {
		fresh = cache.NewPendingRequest(addr, size, prio)
		return fresh
	})

	if req == fresh {
		o.pool.Submit(prio, func() {
			o.resolve(addr, req)
		})
	}

	return req
}

// blockKey names addr's object in the store: one object per (file, block),
// so a block can be fetched or deleted independently of its neighbors.
func blockKey(addr cache.BlockAddress) string {
	return fmt.Sprintf("%d/%08d", addr.FileIndex, addr.BlockIndex)
}

func (o *ObjectOrigin) resolve(addr cache.BlockAddress, req *cache.Request) {
	if _, ok := o.reg.Lookup(addr.FileIndex); !ok {
		req.Fail(fmt.Errorf("source: no path registered for file %d", addr.FileIndex))
		return
	}

	data, err := o.store.ReadBlock(context.Background(), blockKey(addr))
	if err != nil {
		if errors.Is(err, blockstore.ErrBlockNotFound) {
			req.Fail(err)
			return
		}
		req.Fail(fmt.Errorf("source: object-store read %s: %w", blockKey(addr), err))
		return
	}

	req.Resolve(data, o.name)
}
