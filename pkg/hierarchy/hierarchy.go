// Package hierarchy implements CacheHierarchy (spec.md §4.4): the ordered
// descend-on-miss, promote-on-resolve driver tying together every
// concrete tier (memory, shared memory, filelock, and the terminal
// network tier) behind one requestBlock entry point.
package hierarchy

import (
	"sync"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// Tier is the capability every hierarchy member exposes: a
// cache.BoundedCache-backed tier (memory/shared-memory/filelock) or the
// terminal network tier, both satisfy it.
type Tier interface {
	Name() string
	RequestBlock(addr cache.BlockAddress, size uint32, reads *cache.RequestMap, prio int) *cache.Request
	WriteBlock(req *cache.Request) error
	FreeSpace() uint32
}

// perFileReads hands out one cache.RequestMap per FileIndex for a single
// tier, matching spec.md's "reads map protected by a per-file mutex".
type perFileReads struct {
	mu     sync.Mutex
	byFile map[cache.FileIndex]*cache.RequestMap
}

func newPerFileReads() *perFileReads {
	return &perFileReads{byFile: make(map[cache.FileIndex]*cache.RequestMap)}
}

func (p *perFileReads) get(f cache.FileIndex) *cache.RequestMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byFile[f]
	if !ok {
		m = cache.NewRequestMap()
		p.byFile[f] = m
	}
	return m
}

// Hierarchy drives an ordered list of tiers, top to bottom. The last tier
// is terminal: it must always produce a Request (never FULL).
type Hierarchy struct {
	tiers []Tier
	reads []*perFileReads // one per tier, same index
}

// New builds a hierarchy over tiers, top to bottom.
func New(tiers ...Tier) *Hierarchy {
	h := &Hierarchy{tiers: tiers}
	h.reads = make([]*perFileReads, len(tiers))
	for i := range tiers {
		h.reads[i] = newPerFileReads()
	}
	return h
}

type reservation struct {
	tier Tier
	req  *cache.Request
}

// RequestBlock descends the hierarchy for addr. On a hit at any tier, data
// is written synchronously into every tier above that reserved a slot for
// addr and the hit's own Request is returned. On a miss all the way to the
// terminal tier, the terminal tier's Request is returned immediately and a
// goroutine waits on it, promoting the data into every tier above that
// reserved a slot once it resolves.
func (h *Hierarchy) RequestBlock(addr cache.BlockAddress, size uint32, prio int) *cache.Request {
	var reservations []reservation

	for i, tier := range h.tiers {
		reads := h.reads[i].get(addr.FileIndex)
		req := tier.RequestBlock(addr, size, reads, prio)

		if req.Ready() && !req.Full() && req.Err() == nil {
			h.promote(reservations, req.Data, tier.Name())
			return req
		}

		if !req.Full() {
			reservations = append(reservations, reservation{tier, req})
		}
		// Full: this tier refused, simply skip (spec.md §4.4 step 4).
	}

	if len(reservations) == 0 {
		// Every tier, including the terminal one, refused -- nothing to
		// wait on. Surface a failed Request so the caller doesn't block
		// forever on a future nobody will ever resolve.
		failed := cache.NewPendingRequest(addr, size, prio)
		failed.Fail(cache.ErrFull)
		return failed
	}

	terminal := reservations[len(reservations)-1]
	above := reservations[:len(reservations)-1]

	if len(above) > 0 {
		go func() {
			data, err := terminal.req.Wait()
			if err != nil {
				return
			}
			h.promote(above, data, terminal.tier.Name())
		}()
	}

	return terminal.req
}

// promote writes data into every reservation's Request and calls
// WriteBlock on its owning tier, bottom to top, so each tier's own
// admission bookkeeping (RESERVED -> AVAIL) runs in the order spec.md's
// deadlock-avoidance rule expects: one tier at a time, never nested.
func (h *Hierarchy) promote(reservations []reservation, data []byte, originating string) {
	for i := len(reservations) - 1; i >= 0; i-- {
		r := reservations[i]
		r.req.Data = data
		r.req.Originating = originating
		_ = r.tier.WriteBlock(r.req)
	}
}

// FreeSpace sums every tier's advisory free space, for prefetch throttling.
func (h *Hierarchy) FreeSpace() uint32 {
	var total uint32
	for _, t := range h.tiers {
		total += t.FreeSpace()
	}
	return total
}

// Tiers returns the hierarchy's tiers, top to bottom.
func (h *Hierarchy) Tiers() []Tier {
	return h.tiers
}
