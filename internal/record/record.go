// Package record implements the generation-locked record slot: the
// in-place mutators used by writers and the copy-and-validate protocol
// used by readers. A slot is a bounds-checked view over memory owned
// by the log allocator; this package never allocates or frees slots
// and never performs pointer arithmetic of its own.
package record

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/matthewbrookes/FASTER/internal/genlock"
)

// CombineFunc computes a record's new payload from its current one
// during a read-modify-write. cur is a private snapshot, valid only
// for the duration of the call; combine may mutate and return it.
//
// CombineFunc must be a pure function of its input. The engine's
// copy-on-write fallback may invoke it more than once for a single
// logical request (once to learn the new size, then again after
// relocation), so side effects would be observed multiple times.
type CombineFunc func(cur []byte) []byte

// Slot is a view over one record's mutable state: the generation lock,
// the logical length, and the payload. The payload is addressed as
// 8-byte words, each loaded and stored atomically, so an optimistic
// reader and an in-place writer never race at the byte level; whether
// the words a reader collected form one consistent snapshot is decided
// by the generation counter. The view does not own the memory; it
// borrows it from the log and must not outlive the mapped region.
type Slot struct {
	lock     *genlock.Lock
	length   *atomic.Uint64
	capacity uint64
	words    []atomic.Uint64
}

// NewSlot builds a slot view. words spans the slot's full reserved
// capacity rounded up to whole 8-byte words; capacity is the payload
// byte limit and must not exceed 8*len(words). length tracks the
// logically valid prefix.
func NewSlot(lock *genlock.Lock, length *atomic.Uint64, capacity uint64, words []atomic.Uint64) Slot {
	return Slot{lock: lock, length: length, capacity: capacity, words: words}
}

// Capacity returns the bytes reserved for the payload. Fixed at
// allocation time; growth requires relocating the record.
func (s Slot) Capacity() uint64 { return s.capacity }

// Length returns the bytes logically in use.
func (s Slot) Length() uint64 { return s.length.Load() }

// Lock returns a snapshot of the slot's control word.
func (s Slot) Lock() genlock.Word { return s.lock.Load() }

// storePayload writes payload into the slot word by word. A short tail
// is zero-extended into its word; the padding bytes belong to the slot.
func (s Slot) storePayload(payload []byte) {
	for i := 0; i < len(payload); i += 8 {
		if len(payload)-i >= 8 {
			s.words[i>>3].Store(binary.LittleEndian.Uint64(payload[i:]))
			continue
		}
		var w [8]byte
		copy(w[:], payload[i:])
		s.words[i>>3].Store(binary.LittleEndian.Uint64(w[:]))
	}
}

// loadPayload copies the first n payload bytes into dst, growing it as
// needed, and returns the filled slice.
func (s Slot) loadPayload(dst []byte, n uint64) []byte {
	if uint64(cap(dst)) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	var w [8]byte
	for i := uint64(0); i < n; i += 8 {
		binary.LittleEndian.PutUint64(w[:], s.words[i>>3].Load())
		copy(dst[i:], w[:])
	}
	return dst
}

// InitialInsert populates a freshly allocated slot. No locking: the
// slot must not yet be published to the index, so the caller is the
// only thread holding a reference.
//
// Returns false if payload exceeds the slot's capacity.
func (s Slot) InitialInsert(payload []byte) bool {
	if uint64(len(payload)) > s.capacity {
		return false
	}
	s.storePayload(payload)
	s.length.Store(uint64(len(payload)))
	return true
}

// acquire spins until the slot lock is held or the slot is observed
// replaced. Returns false on replaced.
func (s Slot) acquire() bool {
	for {
		switch s.lock.TryLock() {
		case genlock.Acquired:
			return true
		case genlock.Replaced:
			return false
		case genlock.Busy:
			runtime.Gosched()
		}
	}
}

// TryUpdate overwrites the payload in place. It returns false when the
// update must instead be performed at a new, larger slot: either the
// slot was already superseded, or payload no longer fits — in which
// case this call marks the slot replaced so no later in-place writer
// can succeed here. Exactly one of {payload mutated, slot marked
// replaced} happens per call.
func (s Slot) TryUpdate(payload []byte) bool {
	if !s.acquire() {
		return false
	}
	if uint64(len(payload)) > s.capacity {
		s.lock.Unlock(true)
		return false
	}
	s.storePayload(payload)
	s.length.Store(uint64(len(payload)))
	s.lock.Unlock(false)
	return true
}

// TryRMW applies combine to the current payload under the lock and
// stores the result in place. Same locking and capacity protocol as
// TryUpdate; the only difference is that the new content is computed
// from the current content while holding exclusive access.
func (s Slot) TryRMW(combine CombineFunc) bool {
	if !s.acquire() {
		return false
	}
	cur := s.loadPayload(nil, s.length.Load())
	next := combine(cur)
	if uint64(len(next)) > s.capacity {
		s.lock.Unlock(true)
		return false
	}
	s.storePayload(next)
	s.length.Store(uint64(len(next)))
	s.lock.Unlock(false)
	return true
}

// Replace marks the slot as permanently superseded, waiting out any
// in-flight writer first. Used by the copy-on-write fallback to freeze
// the old copy before the index is re-pointed at the new one; once
// Replace returns, the payload can no longer change.
//
// Returns false if the slot was already replaced by another thread.
func (s Slot) Replace() bool {
	if !s.acquire() {
		return false
	}
	s.lock.Unlock(true)
	return true
}

// ReadConsistent copies the payload into dst (grown as needed) and
// returns the filled slice. The copy is validated against the
// generation counter: if any write completed during the copy window
// the snapshot is discarded and retried, so the returned bytes are
// always some payload that was fully written at one point. The loop
// never blocks writers; it is lock-free but not wait-free — a
// continuous writer could in principle starve a reader, an accepted
// trade-off.
func (s Slot) ReadConsistent(dst []byte) []byte {
	for {
		before := s.lock.Load()
		if before.Locked() {
			// A write is in flight; the copy would be wasted.
			runtime.Gosched()
			continue
		}
		n := s.length.Load()
		if n > s.capacity {
			continue
		}
		dst = s.loadPayload(dst, n)
		after := s.lock.Load()
		if before.Generation() == after.Generation() {
			return dst
		}
	}
}
