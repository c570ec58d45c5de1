package register

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// BadgerMetrics is the observability seam for BadgerPersistence's internal
// block/index caches, implemented by pkg/metrics/prometheus.NewBadgerMetrics.
// A nil BadgerMetrics is a valid no-op.
type BadgerMetrics interface {
	RecordCacheHitRatio(cacheType string, ratio float64)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// nextIndexKey stores the register's next-to-assign FileIndex so restarts
// never reuse an index, even one whose path entry predates nextIndexKey
// being introduced.
var nextIndexKey = []byte("\x00__next_index__")

// BadgerPersistence backs a Register with a github.com/dgraph-io/badger/v4
// key-value store, keyed by path with the FileIndex as the value.
// Grounded on the teacher's Badger transactional pattern
// (db.Update(func(txn *badger.Txn) error {...})).
type BadgerPersistence struct {
	db *badger.DB
}

// OpenBadgerPersistence opens (creating if absent) a Badger store at dir.
func OpenBadgerPersistence(dir string) (*BadgerPersistence, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("register: open badger store at %q: %w", dir, err)
	}
	return &BadgerPersistence{db: db}, nil
}

// Load reads every path->index entry plus the next-index counter.
func (p *BadgerPersistence) Load() (map[string]uint32, uint32, error) {
	entries := make(map[string]uint32)
	var next uint32

	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			if string(key) == string(nextIndexKey) {
				err := item.Value(func(v []byte) error {
					next = binary.LittleEndian.Uint32(v)
					return nil
				})
				if err != nil {
					return err
				}
				continue
			}

			err := item.Value(func(v []byte) error {
				idx := binary.LittleEndian.Uint32(v)
				entries[string(key)] = idx
				if idx >= next {
					next = idx + 1
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return entries, next, nil
}

// Save persists path->index and advances the stored next-index counter.
func (p *BadgerPersistence) Save(path string, index cache.FileIndex) error {
	return p.db.Update(func(txn *badger.Txn) error {
		val := make([]byte, 4)
		binary.LittleEndian.PutUint32(val, uint32(index))
		if err := txn.Set([]byte(path), val); err != nil {
			return err
		}

		next := make([]byte, 4)
		binary.LittleEndian.PutUint32(next, uint32(index)+1)
		return txn.Set(nextIndexKey, next)
	})
}

// Close closes the underlying Badger store.
func (p *BadgerPersistence) Close() error {
	return p.db.Close()
}

// SampleCacheMetrics reports BadgerDB's internal block/index cache hit
// ratios to m. Intended to be called periodically (e.g. every few seconds)
// by the caller, since ristretto's underlying counters are cumulative
// rather than event-driven.
func (p *BadgerPersistence) SampleCacheMetrics(m BadgerMetrics) {
	if m == nil {
		return
	}
	if bm := p.db.BlockCacheMetrics(); bm != nil {
		m.RecordCacheHitRatio("block", bm.Ratio())
	}
	if im := p.db.IndexCacheMetrics(); im != nil {
		m.RecordCacheHitRatio("index", im.Ratio())
	}
}
