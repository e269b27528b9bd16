package faster

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/matthewbrookes/FASTER/internal/compact"
	"github.com/matthewbrookes/FASTER/internal/hlog"
	"github.com/matthewbrookes/FASTER/internal/index"
	"github.com/matthewbrookes/FASTER/internal/record"
	"github.com/matthewbrookes/FASTER/internal/resource"
	"github.com/matthewbrookes/FASTER/internal/segment"
)

// Address is a logical position in the store's log. Addresses increase
// monotonically and are never reused.
type Address = hlog.Address

// CombineFunc computes a record's new value from its current one
// during RMW. old is nil when the key is absent. The function must be
// pure: the copy-on-write fallback may invoke it more than once for a
// single logical operation.
type CombineFunc func(old []byte) []byte

// CompactionStats summarizes one compaction run.
type CompactionStats = compact.Stats

// Store is the key-value engine. All methods are safe for concurrent
// use.
type Store struct {
	log       *hlog.Log
	idx       *index.Table
	ctl       *resource.Controller
	compactor *compact.Compactor
	logger    *Logger
	opts      options
	closed    atomic.Bool
}

// Open creates an empty store.
func Open(optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)
	ctl := resource.NewController(o.resources)

	var sealer hlog.Sealer
	if o.segmentStore != nil {
		store, compression := o.segmentStore, o.compression
		sealer = func(ctx context.Context, firstAddr hlog.Address, data []byte) error {
			blob, err := segment.Encode(firstAddr, data, compression)
			if err != nil {
				return err
			}
			return store.Put(ctx, segment.BlobName(firstAddr), blob)
		}
	}

	log, err := hlog.New(hlog.Config{
		PageSize:         o.pageSize,
		MaxResidentPages: o.maxResidentPages,
		MutableBytes:     o.mutableBytes,
		AutoEvict:        o.autoEvict,
		Sealer:           sealer,
		Controller:       ctl,
		Logger:           o.logger.Logger,
	})
	if err != nil {
		return nil, err
	}

	idx := index.New(o.indexStripes)
	return &Store{
		log: log,
		idx: idx,
		ctl: ctl,
		compactor: compact.New(log, idx, compact.Config{
			Workers:    o.compactionWorkers,
			Controller: ctl,
			Logger:     o.logger.Logger,
		}),
		logger: o.logger,
		opts:   o,
	}, nil
}

// Read returns a copy of the value stored under key. The copy is a
// torn-free snapshot: it reflects some complete value the key held
// during the call, even while writers mutate the record concurrently.
func (s *Store) Read(ctx context.Context, key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr, ok := s.idx.Get(key)
		if !ok {
			return nil, ErrNotFound
		}
		rec, err := s.log.Record(addr)
		if err != nil {
			if errors.Is(err, hlog.ErrAddressTrimmed) {
				// Compaction re-points the index before trimming, so an
				// entry still naming a trimmed address is a dangling
				// leftover of a failed relocation. Drop it instead of
				// retrying forever; the re-read sees the repaired state.
				s.idx.DeleteIf(key, addr)
				continue
			}
			return nil, err
		}
		if rec.Tombstone() {
			rec.Release()
			return nil, ErrNotFound
		}
		// A relocation may freeze this copy and re-point the index
		// while we read; the frozen payload is still a value the key
		// held within this call's window.
		value := rec.Slot().ReadConsistent(nil)
		rec.Release()
		return value, nil
	}
}

// Upsert stores value under key. The record is mutated in place when
// it lies in the mutable tail region and the value fits its reserved
// capacity; otherwise the old copy is frozen and a fresh record is
// appended at the tail.
func (s *Store) Upsert(ctx context.Context, key, value []byte) error {
	relocated, err := s.upsert(ctx, key, value)
	s.logger.LogUpsert(ctx, len(key), len(value), relocated, err)
	return err
}

func (s *Store) upsert(ctx context.Context, key, value []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		addr, ok := s.idx.Get(key)
		if !ok {
			fresh, err := s.append(ctx, key, value, false)
			if err != nil {
				return false, err
			}
			if _, installed := s.idx.PutIfAbsent(key, fresh.Address()); !installed {
				// Another writer published this key first; our record
				// is an orphan.
				fresh.SetInvalid()
				fresh.Release()
				continue
			}
			fresh.Release()
			return false, nil
		}

		rec, err := s.log.Record(addr)
		switch {
		case err == nil:
			if !rec.Tombstone() && addr >= s.log.ReadOnlyAddress() {
				if rec.Slot().TryUpdate(value) {
					rec.Release()
					return false, nil
				}
				// The slot is now marked replaced: either this call
				// marked it (value outgrew the capacity) or a
				// concurrent relocation did. Fall through to the
				// copy-to-tail path.
			} else {
				// Read-only region or tombstone: freeze the old copy
				// before re-pointing the index.
				rec.Slot().Replace()
			}
			rec.Release()
		case errors.Is(err, hlog.ErrRangeUnsupported):
			// Old copy is offloaded; nothing resident to freeze.
		case errors.Is(err, hlog.ErrAddressTrimmed):
			// Dangling entry below the begin address; drop it so the
			// retry takes the insert path.
			s.idx.DeleteIf(key, addr)
			continue
		default:
			return false, err
		}

		fresh, err := s.append(ctx, key, value, false)
		if err != nil {
			return true, err
		}
		if !s.idx.UpdateIf(key, addr, fresh.Address()) {
			// Lost the publish race; the winner's copy is current.
			fresh.SetInvalid()
			fresh.Release()
			continue
		}
		fresh.Release()
		s.invalidate(addr)
		return true, nil
	}
}

// invalidate marks the superseded copy at addr header-invalid so
// scanners and compaction skip it. The copy may already have been
// trimmed or offloaded, in which case there is nothing to mark.
func (s *Store) invalidate(addr Address) {
	if rec, err := s.log.Record(addr); err == nil {
		rec.SetInvalid()
		rec.Release()
	}
}

// RMW atomically replaces key's value with combine(current). combine
// sees nil when the key is absent or deleted. Two concurrent RMWs on
// the same key are serialized by the record's generation lock: both
// take effect, neither observes a torn value.
func (s *Store) RMW(ctx context.Context, key []byte, combine CombineFunc) error {
	relocated, err := s.rmw(ctx, key, combine)
	s.logger.LogRMW(ctx, len(key), relocated, err)
	return err
}

func (s *Store) rmw(ctx context.Context, key []byte, combine CombineFunc) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		addr, ok := s.idx.Get(key)
		if !ok {
			fresh, err := s.append(ctx, key, combine(nil), false)
			if err != nil {
				return false, err
			}
			if _, installed := s.idx.PutIfAbsent(key, fresh.Address()); !installed {
				fresh.SetInvalid()
				fresh.Release()
				continue
			}
			fresh.Release()
			return false, nil
		}

		rec, err := s.log.Record(addr)
		if err != nil {
			if errors.Is(err, hlog.ErrAddressTrimmed) {
				// Dangling entry below the begin address; drop it so
				// the retry takes the insert path.
				s.idx.DeleteIf(key, addr)
				continue
			}
			// An offloaded record surfaces ErrRangeUnsupported: the
			// current value cannot be read back through the log.
			return false, err
		}

		slot := rec.Slot()
		if !rec.Tombstone() && addr >= s.log.ReadOnlyAddress() {
			if slot.TryRMW(record.CombineFunc(combine)) {
				rec.Release()
				return false, nil
			}
		}

		// Copy-on-write fallback: freeze the old copy so its payload
		// can no longer change, snapshot it, and apply combine again
		// against the frozen value.
		slot.Replace()
		var old []byte
		if !rec.Tombstone() {
			old = slot.ReadConsistent(nil)
		}
		rec.Release()
		fresh, err := s.append(ctx, key, combine(old), false)
		if err != nil {
			return true, err
		}
		if !s.idx.UpdateIf(key, addr, fresh.Address()) {
			fresh.SetInvalid()
			fresh.Release()
			continue
		}
		fresh.Release()
		s.invalidate(addr)
		return true, nil
	}
}

// Delete removes key by appending a tombstone and re-pointing the
// index at it. The tombstone itself is reclaimed by compaction.
// Returns ErrNotFound if the key is absent or already deleted.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	err := s.delete(ctx, key)
	s.logger.LogDelete(ctx, len(key), err)
	return err
}

func (s *Store) delete(ctx context.Context, key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, ok := s.idx.Get(key)
		if !ok {
			return ErrNotFound
		}

		rec, err := s.log.Record(addr)
		switch {
		case err == nil:
			if rec.Tombstone() {
				rec.Release()
				return ErrNotFound
			}
			rec.Slot().Replace()
			rec.Release()
		case errors.Is(err, hlog.ErrRangeUnsupported):
		case errors.Is(err, hlog.ErrAddressTrimmed):
			// Dangling entry below the begin address; dropping it makes
			// the retry report the key absent.
			s.idx.DeleteIf(key, addr)
			continue
		default:
			return err
		}

		tomb, err := s.append(ctx, key, nil, true)
		if err != nil {
			return err
		}
		if !s.idx.UpdateIf(key, addr, tomb.Address()) {
			tomb.SetInvalid()
			tomb.Release()
			continue
		}
		tomb.Release()
		s.invalidate(addr)
		return nil
	}
}

// append allocates, fills, and commits a new record at the tail. The
// record is visible to scanners after Commit but reachable by other
// mutators only once its address is published in the index. The caller
// releases the returned handle once done with it.
func (s *Store) append(ctx context.Context, key, value []byte, tombstone bool) (*hlog.Record, error) {
	rec, err := s.log.Allocate(ctx, key, len(value))
	if err != nil {
		return nil, translateAllocError(err, len(value))
	}
	rec.Slot().InitialInsert(value)
	rec.Commit(tombstone)
	return rec, nil
}

// Iterator walks committed records in address order. It skips
// superseded and invalidated copies but yields tombstones, so callers
// see at most one live entry plus any not-yet-compacted older versions
// per key. The current record's log page is held resident until the
// iterator advances past it; an iteration abandoned before Next
// returns false must be Closed, or Offload over that page blocks.
// Not safe for concurrent use.
type Iterator struct {
	sc *hlog.Scanner
}

// Scan returns an iterator over [begin, end). Use BeginAddress and
// TailAddress to cover the whole log; records appended after the call
// are not observed.
func (s *Store) Scan(begin, end Address) *Iterator {
	return &Iterator{sc: s.log.Scan(begin, end)}
}

// Next advances to the next record. Once it returns false the iterator
// is terminal; check Err to distinguish exhaustion from failure.
func (it *Iterator) Next() bool { return it.sc.Next() }

// Err returns the error that terminated the iteration, if any.
// ErrAddressTrimmed means the range was trimmed away; ErrRangeUnsupported
// means it left the resident window.
func (it *Iterator) Err() error { return it.sc.Err() }

// Key returns a non-owning view of the current key, valid until the
// next call to Next.
func (it *Iterator) Key() []byte { return it.sc.Key() }

// Value returns a copy of the current value, snapshotted consistently
// against concurrent writers.
func (it *Iterator) Value() []byte {
	return it.sc.Record().Slot().ReadConsistent(nil)
}

// Address returns the current record's log address.
func (it *Iterator) Address() Address { return it.sc.Address() }

// Tombstone reports whether the current record is a deletion marker.
func (it *Iterator) Tombstone() bool { return it.sc.Tombstone() }

// Close releases the iterator's hold on its current page. Required
// only when the iteration is abandoned before Next has returned false.
func (it *Iterator) Close() { it.sc.Close() }

// Size returns the logical log bytes between the begin and tail
// addresses.
func (s *Store) Size() uint64 { return s.log.Size() }

// Len returns the number of indexed keys. Deleted keys are counted
// until compaction drops their tombstones.
func (s *Store) Len() int { return s.idx.Len() }

// TailAddress returns the log's next allocation address.
func (s *Store) TailAddress() Address { return s.log.TailAddress() }

// BeginAddress returns the oldest retained log address.
func (s *Store) BeginAddress() Address { return s.log.BeginAddress() }

// HeadAddress returns the oldest resident log address.
func (s *Store) HeadAddress() Address { return s.log.HeadAddress() }

// Compact relocates live records out of [BeginAddress, until) and
// trims the range. Runs under the background-worker budget; safe to
// run concurrently with foreground mutations.
func (s *Store) Compact(ctx context.Context, until Address) (CompactionStats, error) {
	if s.closed.Load() {
		return CompactionStats{}, ErrClosed
	}
	stats, err := s.compactor.Compact(ctx, until)
	s.logger.LogCompaction(ctx, uint64(until), stats.Relocated, stats.TombstonesDropped, err)
	return stats, err
}

// Offload seals every page entirely below until to the segment store
// and releases its memory. Records below the new head remain indexed
// but resolve to ErrRangeUnsupported until compaction rewrites them.
func (s *Store) Offload(ctx context.Context, until Address) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.opts.segmentStore == nil {
		return ErrNoSegmentStore
	}
	err := s.log.ShiftHead(ctx, until)
	s.logger.LogOffload(ctx, uint64(until), err)
	return err
}

// ReadSegment fetches and decodes the sealed segment whose page starts
// at firstAddr. Recovery tooling uses this to inspect offloaded data;
// the foreground read path never does.
func (s *Store) ReadSegment(ctx context.Context, firstAddr Address) ([]byte, error) {
	if s.opts.segmentStore == nil {
		return nil, ErrNoSegmentStore
	}
	blob, err := s.opts.segmentStore.Get(ctx, segment.BlobName(firstAddr))
	if err != nil {
		return nil, err
	}
	addr, data, err := segment.Decode(blob)
	if err != nil {
		return nil, err
	}
	if addr != firstAddr {
		return nil, fmt.Errorf("faster: segment address mismatch: got %d, want %d", addr, firstAddr)
	}
	return data, nil
}

// Close releases the log's mapped memory. Pending operations fail with
// ErrClosed. Close does not offload the resident tail; call Offload
// first if the data must survive.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.log.Close()
}
