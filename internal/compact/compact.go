// Package compact relocates live records out of the log's cold prefix
// so the prefix can be trimmed. Compaction runs concurrently with
// foreground mutations: the slot's replace marker freezes each old copy
// before the index is re-pointed, so a racing writer either lands its
// update before the freeze or observes the marker and retries at the
// new location.
package compact

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/matthewbrookes/FASTER/internal/hlog"
	"github.com/matthewbrookes/FASTER/internal/index"
	"github.com/matthewbrookes/FASTER/internal/resource"
)

// Stats summarizes one compaction run.
type Stats struct {
	// Scanned is the number of committed records in the compacted
	// range, including superseded and invalid copies.
	Scanned uint64

	// Relocated is the number of live records copied to the tail.
	Relocated uint64

	// TombstonesDropped is the number of deletion markers whose index
	// entries were removed.
	TombstonesDropped uint64

	// Skipped is the number of candidates that turned out to be
	// superseded by a concurrent mutation between the two passes.
	Skipped uint64
}

// Config configures a Compactor.
type Config struct {
	// Workers is the number of concurrent relocation workers. 0 means
	// GOMAXPROCS.
	Workers int

	// Controller gates the run against the background-worker budget.
	// May be nil.
	Controller *resource.Controller

	// Logger receives per-run summaries. May be nil.
	Logger *slog.Logger
}

// Compactor relocates live records from the log's cold prefix to the
// tail and trims the prefix.
type Compactor struct {
	log     *hlog.Log
	idx     *index.Table
	workers int
	ctl     *resource.Controller
	logger  *slog.Logger
}

// New creates a Compactor over a log and its index.
func New(log *hlog.Log, idx *index.Table, cfg Config) *Compactor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compactor{
		log:     log,
		idx:     idx,
		workers: workers,
		ctl:     cfg.Controller,
		logger:  logger,
	}
}

// Compact relocates every live record in [begin, until) to the tail,
// drops tombstones whose markers lie in the range, and then shifts the
// log's begin address to until. It holds one background-worker slot
// for the duration of the run.
func (c *Compactor) Compact(ctx context.Context, until hlog.Address) (Stats, error) {
	if err := c.ctl.AcquireBackground(ctx); err != nil {
		return Stats{}, err
	}
	defer c.ctl.ReleaseBackground()

	var stats Stats
	begin := c.log.BeginAddress()
	if until > c.log.TailAddress() {
		until = c.log.TailAddress()
	}
	if until <= begin {
		return stats, nil
	}

	candidates, scanned, err := c.collect(begin, until)
	if err != nil {
		return stats, err
	}
	stats.Scanned = scanned

	if err := c.relocate(ctx, candidates, &stats); err != nil {
		return stats, err
	}

	c.log.ShiftBegin(until)
	c.logger.Info("compaction finished",
		"begin", uint64(begin),
		"until", uint64(until),
		"scanned", stats.Scanned,
		"relocated", stats.Relocated,
		"tombstones_dropped", stats.TombstonesDropped,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// collect scans the compacted range once and returns the addresses of
// records the index still points at. Superseded copies and records of
// keys that were since rewritten above the range are filtered out here;
// the relocation pass re-checks each survivor against the index anyway,
// so a stale entry in the set is only wasted work, never a correctness
// problem.
func (c *Compactor) collect(begin, until hlog.Address) (*roaring64.Bitmap, uint64, error) {
	candidates := roaring64.New()
	var scanned uint64

	sc := c.log.Scan(begin, until)
	for sc.Next() {
		scanned++
		addr, ok := c.idx.Get(sc.Key())
		if ok && addr == sc.Address() {
			candidates.Add(uint64(sc.Address()))
		}
	}
	return candidates, scanned, sc.Err()
}

// relocate processes the candidate set with a bounded worker pool.
func (c *Compactor) relocate(ctx context.Context, candidates *roaring64.Bitmap, stats *Stats) error {
	addrs := make(chan hlog.Address)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(addrs)
		it := candidates.Iterator()
		for it.HasNext() {
			select {
			case addrs <- hlog.Address(it.Next()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var relocated, dropped, skipped atomic.Uint64
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for addr := range addrs {
				outcome, err := c.relocateOne(ctx, addr)
				if err != nil {
					return err
				}
				switch outcome {
				case outcomeRelocated:
					relocated.Add(1)
				case outcomeDropped:
					dropped.Add(1)
				case outcomeSkipped:
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stats.Relocated = relocated.Load()
	stats.TombstonesDropped = dropped.Load()
	stats.Skipped = skipped.Load()
	return nil
}

type relocateOutcome int

const (
	outcomeSkipped relocateOutcome = iota
	outcomeRelocated
	outcomeDropped
)

// relocateOne moves one record's live copy to the tail, or drops its
// index entry when the record is a tombstone. The old copy is frozen
// with the replace marker before the index is re-pointed; a concurrent
// writer that re-points the entry first wins, and the freshly written
// orphan copy is invalidated.
func (c *Compactor) relocateOne(ctx context.Context, addr hlog.Address) (relocateOutcome, error) {
	rec, err := c.log.Record(addr)
	if err != nil {
		if errors.Is(err, hlog.ErrAddressTrimmed) || errors.Is(err, hlog.ErrRangeUnsupported) {
			// The range was trimmed or sealed out from under the run.
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	key := rec.Key()
	if cur, ok := c.idx.Get(key); !ok || cur != addr {
		rec.Release()
		return outcomeSkipped, nil
	}

	if rec.Tombstone() {
		outcome := outcomeSkipped
		if c.idx.DeleteIf(key, addr) {
			rec.SetInvalid()
			outcome = outcomeDropped
		}
		rec.Release()
		return outcome, nil
	}

	slot := rec.Slot()
	if !slot.Replace() {
		// A concurrent mutation already superseded this copy; its
		// writer re-points the index.
		rec.Release()
		return outcomeSkipped, nil
	}
	payload := slot.ReadConsistent(nil)
	capacity := int(slot.Capacity())
	key = append([]byte(nil), key...)

	// Release the pin before allocating: filling the resident budget at
	// the tail can evict this very page, and the eviction waits for the
	// pin to drain.
	rec.Release()

	// Preserve the slot's reserved capacity so the relocated record
	// keeps its in-place-update headroom.
	fresh, err := c.log.Allocate(ctx, key, capacity)
	if err != nil {
		return outcomeSkipped, err
	}
	fresh.Slot().InitialInsert(payload)
	fresh.Commit(false)

	if !c.idx.UpdateIf(key, addr, fresh.Address()) {
		// Lost the publish race to a foreground writer that saw the
		// replace marker and relocated on its own.
		fresh.SetInvalid()
		fresh.Release()
		return outcomeSkipped, nil
	}
	fresh.Release()

	// The old copy may already have left the resident window; marking
	// it invalid is then moot.
	if old, err := c.log.Record(addr); err == nil {
		old.SetInvalid()
		old.Release()
	}
	return outcomeRelocated, nil
}
