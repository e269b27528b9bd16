package hlog

import (
	"sync/atomic"
	"unsafe"

	"github.com/matthewbrookes/FASTER/internal/genlock"
	"github.com/matthewbrookes/FASTER/internal/record"
)

// On-log record layout, all fields 8-byte aligned:
//
//	+0   meta word (atomic)   commit point; invalid/tombstone flags,
//	                          key length, payload capacity
//	+8   generation lock
//	+16  length word (atomic) logical payload bytes in use
//	+24  key bytes, padded to 8
//	+..  payload capacity bytes, padded to 8
//
// A zero meta word means the slot is still being initialized by its
// allocator. A meta word with the pad bit set marks unusable space at
// the end of a page; scanners jump to the next page boundary.
const (
	metaOffset   = 0
	lockOffset   = 8
	lengthOffset = 16
	headerSize   = 24

	recordAlign = 8
)

const (
	metaCapacityMask uint64 = 1<<32 - 1
	metaKeyLenShift         = 32
	metaKeyLenMask   uint64 = 1<<16 - 1
	metaPadBit       uint64 = 1 << 61
	metaTombstoneBit uint64 = 1 << 62
	metaInvalidBit   uint64 = 1 << 63
)

// MaxKeyLen and MaxCapacity bound what the meta word can describe.
const (
	MaxKeyLen   = 1<<16 - 1
	MaxCapacity = 1<<32 - 1
)

func pad8(n int) int { return (n + recordAlign - 1) &^ (recordAlign - 1) }

// recordSize returns the physical bytes a record occupies in the log.
func recordSize(keyLen, capacity int) int {
	return headerSize + pad8(keyLen) + pad8(capacity)
}

func encodeMeta(keyLen, capacity int, tombstone bool) uint64 {
	m := uint64(capacity) | uint64(keyLen)<<metaKeyLenShift
	if tombstone {
		m |= metaTombstoneBit
	}
	return m
}

// Record is a handle to one allocated record in the log. A handle
// pins its containing page resident: head shifts wait for outstanding
// pins before unmapping, so the handle's views stay valid until
// Release. Holding a handle across a head shift of its own range
// deadlocks; release before triggering one.
type Record struct {
	addr     Address
	buf      []byte
	meta     *atomic.Uint64
	keyLen   int
	capacity int
	pg       *page
}

func newRecordView(addr Address, buf []byte, keyLen, capacity int, pg *page) *Record {
	return &Record{
		addr:     addr,
		buf:      buf,
		meta:     (*atomic.Uint64)(unsafe.Pointer(&buf[metaOffset])),
		keyLen:   keyLen,
		capacity: capacity,
		pg:       pg,
	}
}

// Release drops the handle's pin on its page. The handle and every
// view derived from it must not be used afterwards. Idempotent.
func (r *Record) Release() {
	if r.pg != nil {
		r.pg.pins.Add(-1)
		r.pg = nil
	}
}

// Address returns the record's logical log address.
func (r *Record) Address() Address { return r.addr }

// Size returns the record's physical size in bytes.
func (r *Record) Size() int { return recordSize(r.keyLen, r.capacity) }

// Key returns a non-owning view of the record's key.
func (r *Record) Key() []byte {
	return r.buf[headerSize : headerSize+r.keyLen]
}

// Slot returns the record's mutable value slot. The payload region is
// handed over as 8-byte words (the layout pads it to a word boundary)
// so the slot's optimistic readers and in-place writers go through
// atomic word accesses.
func (r *Record) Slot() record.Slot {
	lock := (*genlock.Lock)(unsafe.Pointer(&r.buf[lockOffset]))
	length := (*atomic.Uint64)(unsafe.Pointer(&r.buf[lengthOffset]))
	var words []atomic.Uint64
	if r.capacity > 0 {
		payloadOff := headerSize + pad8(r.keyLen)
		words = unsafe.Slice((*atomic.Uint64)(unsafe.Pointer(&r.buf[payloadOff])), pad8(r.capacity)/8)
	}
	return record.NewSlot(lock, length, uint64(r.capacity), words)
}

// Commit publishes the record's header, making it visible to scanners.
// Called exactly once, after the key and initial payload are in place
// and before the record's address is installed in the index.
func (r *Record) Commit(tombstone bool) {
	r.meta.Store(encodeMeta(r.keyLen, r.capacity, tombstone))
}

// SetInvalid marks the record header-invalid so scanners skip it.
// Used for orphaned allocations that lost an index publish race and
// for records whose live copy was relocated by compaction. One-way.
func (r *Record) SetInvalid() {
	r.meta.Or(metaInvalidBit)
}

// Invalid reports whether the record is header-invalid.
func (r *Record) Invalid() bool {
	return r.meta.Load()&metaInvalidBit != 0
}

// Tombstone reports whether the record marks a deletion.
func (r *Record) Tombstone() bool {
	return r.meta.Load()&metaTombstoneBit != 0
}
