package filelock

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
)

// recoveryParallelism bounds how many slots are probed concurrently during
// startup recovery. Grounded on the teacher's recovery sweep, which bounds
// upload concurrency the same way (pkg/flusher's ParallelUploads).
const recoveryParallelism = 16

// RecoverActiveCnt resets any slot's activeCnt left nonzero by a process
// that crashed while holding it. A live process can never have its per-slot
// advisory lock taken away from under it, so a slot whose lock we can
// acquire without blocking has no live owner: any leftover activeCnt there
// is stale and would otherwise pin the slot against eviction forever.
//
// Cross-process subtlety (spec.md §4.2): activeCnt is incremented without
// holding the bin lock across the whole read, so a dead owner's count must
// be discovered this way rather than inferred from bin state alone.
func RecoverActiveCnt(s *Store) error {
	var (
		scanned int64
		reset   int64
		wg      sync.WaitGroup
		sem     = make(chan struct{}, recoveryParallelism)
	)

	for slot := 0; slot < int(s.numBlocks); slot++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(slot int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			atomic.AddInt64(&scanned, 1)

			off := s.entriesOffset + int64(slot)*onDiskEntrySize
			probe := unix.Flock_t{
				Type:   unix.F_WRLCK,
				Whence: int16(os.SEEK_SET),
				Start:  off,
				Len:    onDiskEntrySize,
			}
			if err := unix.FcntlFlock(s.file.Fd(), unix.F_SETLK, &probe); err != nil {
				// Lock held by a live process; leave this slot alone.
				return
			}
			defer func() {
				unlock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET), Start: off, Len: onDiskEntrySize}
				unix.FcntlFlock(s.file.Fd(), unix.F_SETLK, &unlock)
			}()

			e := s.ReadEntry(slot)
			if e.ActiveCnt != 0 {
				e.ActiveCnt = 0
				s.WriteEntry(slot, e)
				atomic.AddInt64(&reset, 1)
			}
		}(slot)
	}

	wg.Wait()

	logger.Info("filelock cache: startup recovery complete",
		"path", s.path, "scanned", scanned, "reset", reset)

	return nil
}
