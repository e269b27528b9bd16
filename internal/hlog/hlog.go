// Package hlog implements the hybrid log that backs the record store:
// an append-only address space carved into fixed-size pages of
// anonymous mapped memory, a lock-free bump allocator for record
// slots, the begin/head/read-only/tail boundaries, and the forward
// scanner over committed records.
//
// The log owns slot placement and relocation boundaries; the mutation
// protocol itself lives in the record package. All pointer arithmetic
// over the mapped pages is confined to this package.
package hlog

import (
	"context"
	"errors"
	"log/slog"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/matthewbrookes/FASTER/internal/mmap"
	"github.com/matthewbrookes/FASTER/internal/resource"
)

// Address is a logical position in the log's monotonically increasing
// address space: page index in the high bits, byte offset within the
// page in the low bits. Addresses are never reused.
type Address uint64

// InvalidAddress is never returned for an allocated record.
const InvalidAddress Address = 0

// firstAddress skips the start of page zero so that no real record
// lives at address zero.
const firstAddress = 64

// maxPages bounds the log's address space (page pointers are held in a
// fixed-size table so lookups stay lock-free).
const maxPages = 1 << 16

var (
	// ErrClosed is returned after the log has been closed.
	ErrClosed = errors.New("hlog: log is closed")
	// ErrLogFull is returned when no page can be allocated within the
	// resident-page and memory budgets.
	ErrLogFull = errors.New("hlog: log is full")
	// ErrRecordTooLarge is returned when a record cannot fit in one
	// page.
	ErrRecordTooLarge = errors.New("hlog: record larger than page size")
	// ErrAddressTrimmed is returned for addresses below the log's
	// begin address; the data has been trimmed away.
	ErrAddressTrimmed = errors.New("hlog: address below begin address")
	// ErrRangeUnsupported is returned for addresses below the head
	// address: the record now lives only in secondary storage and
	// cannot be accessed through the resident log.
	ErrRangeUnsupported = errors.New("hlog: address below head address, record not resident")
	// ErrInvalidAddress is returned for addresses that do not name a
	// committed record.
	ErrInvalidAddress = errors.New("hlog: invalid record address")
	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("hlog: key must be between 1 and 65535 bytes")
)

// Sealer persists one sealed page before it is unmapped. firstAddr is
// the log address of the page's first byte; data is the raw page and
// is only valid for the duration of the call.
type Sealer func(ctx context.Context, firstAddr Address, data []byte) error

// Config configures a Log.
type Config struct {
	// PageSize is the page size in bytes; must be a power of two,
	// at least 4 KiB.
	PageSize int

	// MaxResidentPages bounds the pages held in memory at once.
	// 0 means bounded only by the address space and memory budget.
	MaxResidentPages int

	// MutableBytes is the size of the in-place-update region at the
	// log's tail. Records below tail-MutableBytes are updated via the
	// copy-on-write fallback instead. 0 keeps the whole log mutable.
	MutableBytes uint64

	// AutoEvict allows the allocator to shift the head (sealing pages
	// through Sealer) when the resident budget is exhausted.
	AutoEvict bool

	// Sealer, if set, persists pages evicted from memory.
	Sealer Sealer

	// Controller accounts page memory and background I/O. May be nil.
	Controller *resource.Controller

	// Logger receives trim/seal events. May be nil.
	Logger *slog.Logger
}

type page struct {
	mapping *mmap.Mapping
	data    []byte
	index   uint64

	// pins counts outstanding record handles into this page. A head
	// shift publishes the new head first, then waits for pins to drain
	// before sealing and unmapping, so a handle never outlives its
	// page's memory.
	pins atomic.Int64
}

// Log is the hybrid log. Allocation is lock-free in the common case; a
// single mutex guards page creation and boundary shifts.
type Log struct {
	pageSize int
	pageBits uint
	pageMask uint64
	cfg      Config
	logger   *slog.Logger

	pages []atomic.Pointer[page]

	begin atomic.Uint64
	head  atomic.Uint64
	tail  atomic.Uint64

	mu     sync.Mutex
	closed atomic.Bool
}

// New creates an empty log.
func New(cfg Config) (*Log, error) {
	if cfg.PageSize < 4096 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, errors.New("hlog: page size must be a power of two, at least 4096")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &Log{
		pageSize: cfg.PageSize,
		pageMask: uint64(cfg.PageSize - 1),
		cfg:      cfg,
		logger:   logger,
		pages:    make([]atomic.Pointer[page], maxPages),
	}
	l.pageBits = uint(bits.TrailingZeros(uint(cfg.PageSize)))
	l.begin.Store(firstAddress)
	l.head.Store(firstAddress)
	l.tail.Store(firstAddress)
	return l, nil
}

// BeginAddress returns the oldest retained address.
func (l *Log) BeginAddress() Address { return Address(l.begin.Load()) }

// HeadAddress returns the oldest resident address.
func (l *Log) HeadAddress() Address { return Address(l.head.Load()) }

// TailAddress returns the next allocation address.
func (l *Log) TailAddress() Address { return Address(l.tail.Load()) }

// ReadOnlyAddress returns the boundary below which records must not be
// updated in place. The boundary trails the tail by the configured
// mutable-region size and is therefore monotonic. It is advisory: the
// generation lock, not this boundary, is what makes mutation safe.
func (l *Log) ReadOnlyAddress() Address {
	if l.cfg.MutableBytes == 0 {
		return 0
	}
	tail := l.tail.Load()
	if tail <= l.cfg.MutableBytes {
		return 0
	}
	return Address(tail - l.cfg.MutableBytes)
}

// Size returns the logical bytes between begin and tail.
func (l *Log) Size() uint64 { return l.tail.Load() - l.begin.Load() }

// Allocate reserves a record slot for the given key and payload
// capacity at the tail and returns its handle with the key already in
// place. The record is invisible to scanners until Commit; the slot is
// invisible to other mutators until its address is published in the
// index.
func (l *Log) Allocate(ctx context.Context, key []byte, capacity int) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 || len(key) > MaxKeyLen {
		return nil, ErrInvalidKey
	}
	if capacity < 0 || capacity > MaxCapacity {
		return nil, ErrRecordTooLarge
	}
	size := recordSize(len(key), capacity)
	if size > l.pageSize {
		return nil, ErrRecordTooLarge
	}

	for {
		tail := l.tail.Load()
		off := int(tail & l.pageMask)
		pageIdx := tail >> l.pageBits

		if off+size > l.pageSize {
			// Record does not fit in the remainder of this page:
			// skip to the next page, stamping a pad marker so
			// scanners can jump the gap.
			p, err := l.ensurePage(ctx, pageIdx)
			if err != nil {
				return nil, err
			}
			next := (pageIdx + 1) << l.pageBits
			if l.tail.CompareAndSwap(tail, next) {
				p.pins.Add(1)
				if tail >= l.head.Load() {
					padMeta := (*atomic.Uint64)(unsafe.Pointer(&p.data[off]))
					padMeta.Store(metaPadBit | metaInvalidBit)
				}
				p.pins.Add(-1)
			}
			continue
		}

		p, err := l.ensurePage(ctx, pageIdx)
		if err != nil {
			return nil, err
		}
		if l.tail.CompareAndSwap(tail, tail+uint64(size)) {
			p.pins.Add(1)
			if tail < l.head.Load() {
				// A concurrent head shift passed the reservation; the
				// bytes are unreachable and stay unused.
				p.pins.Add(-1)
				continue
			}
			buf := p.data[off : off+size]
			rec := newRecordView(Address(tail), buf, len(key), capacity, p)
			copy(buf[headerSize:], key)
			return rec, nil
		}
	}
}

// Record resolves a committed record by address, typically one the
// index handed out. The returned handle pins its page resident; the
// caller must Release it, and must do so before triggering a head
// shift over the same range.
func (l *Log) Record(addr Address) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	a := uint64(addr)
	if a%recordAlign != 0 {
		return nil, ErrInvalidAddress
	}
	if a < l.begin.Load() {
		return nil, ErrAddressTrimmed
	}
	if a < l.head.Load() {
		return nil, ErrRangeUnsupported
	}
	if a >= l.tail.Load() {
		return nil, ErrInvalidAddress
	}

	pageIdx := a >> l.pageBits
	p := l.pages[pageIdx].Load()
	if p == nil {
		return nil, ErrRangeUnsupported
	}
	// Pin first, then re-check the head: a shift that moved the head
	// past addr before observing the pin bounces us here, and one that
	// observed the pin waits for the release. Either way the page
	// memory is never unmapped under the handle.
	p.pins.Add(1)
	if a < l.head.Load() {
		p.pins.Add(-1)
		return nil, ErrRangeUnsupported
	}
	off := int(a & l.pageMask)
	if off+headerSize > l.pageSize {
		p.pins.Add(-1)
		return nil, ErrInvalidAddress
	}

	meta := (*atomic.Uint64)(unsafe.Pointer(&p.data[off])).Load()
	if meta == 0 || meta&metaPadBit != 0 {
		p.pins.Add(-1)
		return nil, ErrInvalidAddress
	}
	keyLen := int(meta >> metaKeyLenShift & metaKeyLenMask)
	capacity := int(meta & metaCapacityMask)
	size := recordSize(keyLen, capacity)
	if off+size > l.pageSize {
		p.pins.Add(-1)
		return nil, ErrInvalidAddress
	}
	return newRecordView(addr, p.data[off:off+size], keyLen, capacity, p), nil
}

// ensurePage returns the mapped page for pageIdx, creating it within
// the resident-page and memory budgets. Eviction of the oldest
// resident page happens here when AutoEvict is configured.
func (l *Log) ensurePage(ctx context.Context, pageIdx uint64) (*page, error) {
	if pageIdx >= maxPages {
		return nil, ErrLogFull
	}
	if p := l.pages[pageIdx].Load(); p != nil {
		return p, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return nil, ErrClosed
	}
	if p := l.pages[pageIdx].Load(); p != nil {
		return p, nil
	}

	if l.cfg.MaxResidentPages > 0 {
		for {
			headPage := l.head.Load() >> l.pageBits
			resident := int(pageIdx - headPage + 1)
			if resident <= l.cfg.MaxResidentPages {
				break
			}
			if !l.cfg.AutoEvict {
				return nil, ErrLogFull
			}
			if err := l.shiftHeadLocked(ctx, Address((headPage+1)<<l.pageBits)); err != nil {
				return nil, err
			}
		}
	}

	if err := l.cfg.Controller.AcquireMemory(int64(l.pageSize)); err != nil {
		return nil, ErrLogFull
	}
	m, err := mmap.MapAnon(l.pageSize)
	if err != nil {
		l.cfg.Controller.ReleaseMemory(int64(l.pageSize))
		return nil, err
	}

	p := &page{mapping: m, data: m.Bytes(), index: pageIdx}
	l.pages[pageIdx].Store(p)
	return p, nil
}

// ShiftBegin trims the log: addresses below addr are permanently gone.
// Pages are unmapped by head shifts, not here; trimmed pages simply
// stop being sealed when the head passes them.
func (l *Log) ShiftBegin(addr Address) {
	for {
		old := l.begin.Load()
		a := uint64(addr)
		if a <= old {
			return
		}
		if tail := l.tail.Load(); a > tail {
			a = tail
		}
		if l.begin.CompareAndSwap(old, a) {
			l.logger.Debug("log begin shifted", "begin", a)
			return
		}
	}
}

// ShiftHead seals and unmaps every page that lies entirely below addr;
// a partially covered page stays resident, so the head always lands on
// a page boundary and every record at or above it remains resolvable.
// Sealed pages still holding retained records are handed to the Sealer
// before their memory is released; pages entirely below the begin
// address are dropped without sealing. The shift waits for record
// handles pinning an affected page to be released; holding such a
// handle while waiting on this call deadlocks.
func (l *Log) ShiftHead(ctx context.Context, addr Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	return l.shiftHeadLocked(ctx, addr)
}

func (l *Log) shiftHeadLocked(ctx context.Context, addr Address) error {
	target := uint64(addr)
	if tail := l.tail.Load(); target > tail {
		target = tail
	}

	for {
		head := l.head.Load()
		pageIdx := head >> l.pageBits
		pageEnd := (pageIdx + 1) << l.pageBits
		if head >= target || pageEnd > target {
			// Only whole pages leave memory; the head never enters a
			// partially covered page.
			return nil
		}

		p := l.pages[pageIdx].Load()
		if p == nil {
			l.head.Store(pageEnd)
			continue
		}

		// Publish the new head first so no new handle can pin the
		// page, then wait out the pins already taken. On failure the
		// head is restored: no pin can have arrived meanwhile.
		l.head.Store(pageEnd)
		for p.pins.Load() != 0 {
			if err := ctx.Err(); err != nil {
				l.head.Store(head)
				return err
			}
			runtime.Gosched()
		}

		if l.cfg.Sealer != nil && pageEnd > l.begin.Load() {
			if err := l.cfg.Controller.AcquireIO(ctx, l.pageSize); err != nil {
				l.head.Store(head)
				return err
			}
			if err := l.cfg.Sealer(ctx, Address(pageIdx<<l.pageBits), p.data); err != nil {
				l.head.Store(head)
				return err
			}
			l.logger.Debug("page sealed", "page", pageIdx)
		}
		if err := p.mapping.Close(); err != nil {
			return err
		}
		l.cfg.Controller.ReleaseMemory(int64(l.pageSize))
		l.pages[pageIdx].Store(nil)
	}
}

// Close unmaps all resident pages. No sealing happens; callers wanting
// the tail persisted shift the head first. Outstanding record handles
// and scanners must be released before Close.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Swap(true) {
		return nil
	}

	var firstErr error
	headPage := l.head.Load() >> l.pageBits
	tailPage := l.tail.Load() >> l.pageBits
	for i := headPage; i <= tailPage && i < maxPages; i++ {
		p := l.pages[i].Load()
		if p == nil {
			continue
		}
		if err := p.mapping.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.cfg.Controller.ReleaseMemory(int64(l.pageSize))
		l.pages[i].Store(nil)
	}
	return firstErr
}
