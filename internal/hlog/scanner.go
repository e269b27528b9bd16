package hlog

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Scanner iterates committed records in address order between a start
// address and a fixed exclusive end address, skipping header-invalid
// records and page padding. It hands out non-owning views that are
// valid only until the next call to Next. The current record's page is
// pinned resident until the scan advances past it; a scan abandoned
// before Next returns false must be Closed, or head shifts over that
// page wait forever.
//
// A scanner is terminal once it returns false: either the end address
// was reached (Err is nil) or the range left the resident window
// (ErrAddressTrimmed below begin, ErrRangeUnsupported below head).
// Re-scanning requires a new Scanner.
//
// Scanner is not safe for concurrent use.
type Scanner struct {
	log  *Log
	next uint64
	end  uint64
	err  error
	done bool
	cur  *Record
}

// Scan creates a scanner over [start, end). end is typically the tail
// address captured at scan start; records committed after that are not
// observed.
func (l *Log) Scan(start, end Address) *Scanner {
	return &Scanner{log: l, next: uint64(start), end: uint64(end)}
}

// Next advances to the next valid record. It returns false when the
// scan is exhausted or failed; every later call also returns false.
func (s *Scanner) Next() bool {
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	if s.done {
		return false
	}
	l := s.log

	for {
		a := s.next
		if a >= s.end {
			s.done = true
			return false
		}
		if a < l.begin.Load() {
			return s.fail(ErrAddressTrimmed)
		}
		if a < l.head.Load() {
			return s.fail(ErrRangeUnsupported)
		}
		if l.closed.Load() {
			return s.fail(ErrClosed)
		}

		pageIdx := a >> l.pageBits
		if pageIdx >= maxPages {
			s.done = true
			return false
		}
		p := l.pages[pageIdx].Load()
		if p == nil {
			// Sealed out from under the scan.
			return s.fail(ErrRangeUnsupported)
		}
		// Pin before touching page memory; re-check the head so a
		// concurrent shift either bounces the scan or waits for it.
		p.pins.Add(1)
		if a < l.head.Load() {
			p.pins.Add(-1)
			return s.fail(ErrRangeUnsupported)
		}
		off := int(a & l.pageMask)

		meta := (*atomic.Uint64)(unsafe.Pointer(&p.data[off])).Load()
		if meta == 0 {
			p.pins.Add(-1)
			if a >= l.tail.Load() {
				// Nothing committed this far yet.
				s.done = true
				return false
			}
			// Allocation in progress; the writer commits shortly.
			runtime.Gosched()
			continue
		}
		if meta&metaPadBit != 0 {
			p.pins.Add(-1)
			s.next = (pageIdx + 1) << l.pageBits
			continue
		}

		keyLen := int(meta >> metaKeyLenShift & metaKeyLenMask)
		capacity := int(meta & metaCapacityMask)
		size := recordSize(keyLen, capacity)
		s.next = a + uint64(size)

		if meta&metaInvalidBit != 0 {
			p.pins.Add(-1)
			continue
		}
		s.cur = newRecordView(Address(a), p.data[off:off+size], keyLen, capacity, p)
		return true
	}
}

// Close releases the scan's pin on its current page and terminates the
// scan. Required only when a scan is abandoned before Next has
// returned false.
func (s *Scanner) Close() {
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	s.done = true
}

func (s *Scanner) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

// Err returns the error that terminated the scan, if any. Reaching the
// end address is not an error.
func (s *Scanner) Err() error { return s.err }

// Record returns the current record handle.
func (s *Scanner) Record() *Record { return s.cur }

// Address returns the current record's address.
func (s *Scanner) Address() Address { return s.cur.addr }

// Key returns a non-owning view of the current record's key, valid
// until the next call to Next.
func (s *Scanner) Key() []byte { return s.cur.Key() }

// Value returns a non-owning view of the current record's payload.
// The view may observe bytes from a concurrent in-place write; callers
// needing a torn-free snapshot use the slot's ReadConsistent instead.
func (s *Scanner) Value() []byte {
	slot := s.cur.Slot()
	n := slot.Length()
	if n > slot.Capacity() {
		n = slot.Capacity()
	}
	payloadOff := headerSize + pad8(s.cur.keyLen)
	return s.cur.buf[payloadOff : payloadOff+int(n)]
}

// Tombstone reports whether the current record is a deletion marker.
func (s *Scanner) Tombstone() bool { return s.cur.Tombstone() }
