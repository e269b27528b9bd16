// Package genlock implements the per-record generation lock: a single
// 64-bit control word that serializes in-place writers, lets readers
// validate torn-free snapshots, and marks superseded record slots so
// late writers abort instead of mutating a stale copy.
//
// Word layout:
//
//	bits 0..61  generation counter, advanced once per completed write
//	bit  62     locked
//	bit  63     replaced (sticky, one-way)
//
// The generation counter is treated as practically unbounded; at one
// million writes per second to a single slot it wraps after ~146,000
// years.
package genlock

import "sync/atomic"

const (
	lockedBit   uint64 = 1 << 62
	replacedBit uint64 = 1 << 63
	genMask     uint64 = lockedBit - 1
)

// Status is the outcome of a TryLock attempt.
type Status int

const (
	// Acquired means the caller now holds exclusive in-place-update
	// rights and must call Unlock.
	Acquired Status = iota
	// Busy means another writer holds the lock; retryable.
	Busy
	// Replaced means the slot has been superseded by a relocated copy;
	// never retryable at this slot.
	Replaced
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Word is a snapshot of the control word.
type Word uint64

// Generation returns the 62-bit write counter.
func (w Word) Generation() uint64 { return uint64(w) & genMask }

// Locked reports whether a writer held the lock at snapshot time.
func (w Word) Locked() bool { return uint64(w)&lockedBit != 0 }

// Replaced reports whether the slot has been superseded.
func (w Word) Replaced() bool { return uint64(w)&replacedBit != 0 }

// Lock is the atomically accessed control word embedded in a record
// slot. The zero value is unlocked, not replaced, generation zero.
//
// Lock must not be copied after first use.
type Lock struct {
	w atomic.Uint64
}

// Load atomically snapshots the control word.
func (l *Lock) Load() Word { return Word(l.w.Load()) }

// TryLock attempts one compare-and-swap from unlocked to locked.
// Acquired grants exclusive writer rights, Busy is retryable (callers
// spin with a cooperative yield), Replaced is fatal to the mutation
// attempt. A replaced slot never reports Busy or Acquired again once
// every in-flight writer has unlocked.
func (l *Lock) TryLock() Status {
	old := l.w.Load()
	if old&replacedBit != 0 {
		return Replaced
	}
	if old&lockedBit != 0 {
		return Busy
	}
	if l.w.CompareAndSwap(old, old|lockedBit) {
		return Acquired
	}
	// Lost the race; report Busy and let the caller re-observe.
	return Busy
}

// Unlock releases the lock held by the calling writer, advancing the
// generation by exactly one. If markReplaced is true the sticky
// replaced bit is also set; this is the only transition that sets it
// and the only transition that advances the generation.
//
// Precondition: the caller holds the lock via a successful TryLock.
// The plain load+store is safe because the holder is the only mutator
// of the word while the locked bit is set.
func (l *Lock) Unlock(markReplaced bool) {
	old := l.w.Load()
	next := (old &^ lockedBit) + 1
	if markReplaced {
		next |= replacedBit
	}
	l.w.Store(next)
}
