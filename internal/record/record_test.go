package record

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/matthewbrookes/FASTER/internal/genlock"
)

// newTestSlot allocates a standalone slot backing for tests. In the
// engine the lock, length, and payload words live inside the log's
// mapped pages; for unit tests plain Go allocations behave identically.
func newTestSlot(capacity int) Slot {
	words := make([]atomic.Uint64, (capacity+7)/8)
	return NewSlot(new(genlock.Lock), new(atomic.Uint64), uint64(capacity), words)
}

func TestSlot_InitialInsert(t *testing.T) {
	s := newTestSlot(16)

	if !s.InitialInsert([]byte("hello")) {
		t.Fatal("InitialInsert failed")
	}
	if s.Length() != 5 {
		t.Fatalf("length = %d, want 5", s.Length())
	}
	if s.Capacity() != 16 {
		t.Fatalf("capacity = %d, want 16", s.Capacity())
	}
	if got := s.ReadConsistent(nil); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read %q, want %q", got, "hello")
	}

	if s.InitialInsert(make([]byte, 17)) {
		t.Fatal("InitialInsert accepted payload beyond capacity")
	}
}

// Mirrors the in-place growth scenario: 5 bytes fits, 10 bytes still
// fits, 20 bytes kills the slot.
func TestSlot_UpdateGrowthWithinCapacity(t *testing.T) {
	s := newTestSlot(16)
	if !s.InitialInsert([]byte("hello")) {
		t.Fatal("InitialInsert failed")
	}

	if !s.TryUpdate(bytes.Repeat([]byte("x"), 10)) {
		t.Fatal("10-byte update should fit in 16-byte slot")
	}
	if s.Length() != 10 || s.Capacity() != 16 {
		t.Fatalf("length=%d capacity=%d, want 10/16", s.Length(), s.Capacity())
	}

	if s.TryUpdate(bytes.Repeat([]byte("y"), 20)) {
		t.Fatal("20-byte update must not fit")
	}
	if !s.Lock().Replaced() {
		t.Fatal("slot not marked replaced after too-small update")
	}

	// Every further mutation from any caller observes replaced.
	if s.TryUpdate([]byte("z")) {
		t.Fatal("update succeeded on replaced slot")
	}
	if s.TryRMW(func(cur []byte) []byte { return cur }) {
		t.Fatal("rmw succeeded on replaced slot")
	}
	if s.Replace() {
		t.Fatal("second Replace reported first-marker")
	}
}

func TestSlot_UpdateShrinksLength(t *testing.T) {
	s := newTestSlot(8)
	if !s.InitialInsert([]byte("longest!")) {
		t.Fatal("InitialInsert failed")
	}
	if !s.TryUpdate([]byte("ok")) {
		t.Fatal("TryUpdate failed")
	}
	if got := s.ReadConsistent(nil); !bytes.Equal(got, []byte("ok")) {
		t.Fatalf("read %q, want %q", got, "ok")
	}
}

func TestSlot_ReplaceFreezesPayload(t *testing.T) {
	s := newTestSlot(8)
	if !s.InitialInsert([]byte("frozen")) {
		t.Fatal("InitialInsert failed")
	}
	if !s.Replace() {
		t.Fatal("Replace failed on live slot")
	}
	if !s.Lock().Replaced() {
		t.Fatal("replaced bit not set")
	}
	// The last committed payload stays readable for racing readers.
	if got := s.ReadConsistent(nil); !bytes.Equal(got, []byte("frozen")) {
		t.Fatalf("read %q, want %q", got, "frozen")
	}
}

// No lost update: concurrent counter increments via TryRMW all land.
func TestSlot_RMWNoLostUpdate(t *testing.T) {
	const (
		workers    = 8
		increments = 500
	)

	s := newTestSlot(8)
	init := make([]byte, 8)
	if !s.InitialInsert(init) {
		t.Fatal("InitialInsert failed")
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < increments; n++ {
				ok := s.TryRMW(func(cur []byte) []byte {
					v := binary.LittleEndian.Uint64(cur)
					binary.LittleEndian.PutUint64(cur, v+1)
					return cur
				})
				if !ok {
					t.Error("TryRMW failed on live fixed-size slot")
					return
				}
			}
		}()
	}
	wg.Wait()

	got := binary.LittleEndian.Uint64(s.ReadConsistent(nil))
	if got != workers*increments {
		t.Fatalf("final value = %d, want %d", got, workers*increments)
	}
	if gen := s.Lock().Generation(); gen != workers*increments {
		t.Fatalf("generation = %d, want %d", gen, workers*increments)
	}
}

// Two RMW writers incrementing from zero: final value 2, generation
// advanced by exactly 2.
func TestSlot_TwoWriterScenario(t *testing.T) {
	s := newTestSlot(8)
	if !s.InitialInsert(make([]byte, 8)) {
		t.Fatal("InitialInsert failed")
	}
	startGen := s.Lock().Generation()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ok := s.TryRMW(func(cur []byte) []byte {
					binary.LittleEndian.PutUint64(cur, binary.LittleEndian.Uint64(cur)+1)
					return cur
				})
				if ok {
					return
				}
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	if got := binary.LittleEndian.Uint64(s.ReadConsistent(nil)); got != 2 {
		t.Fatalf("final value = %d, want 2", got)
	}
	if gen := s.Lock().Generation(); gen != startGen+2 {
		t.Fatalf("generation advanced by %d, want 2", gen-startGen)
	}
}

// checksummedPayload fills a variable-length payload whose last four
// bytes checksum the rest, so a torn read is detectable.
func checksummedPayload(dst []byte, fill byte) []byte {
	for i := 0; i < len(dst)-4; i++ {
		dst[i] = fill
	}
	sum := crc32.ChecksumIEEE(dst[:len(dst)-4])
	binary.LittleEndian.PutUint32(dst[len(dst)-4:], sum)
	return dst
}

// Read consistency: a reader racing full-payload rewrites of varying
// lengths never observes a byte sequence that was not fully written.
func TestSlot_ReadConsistentNoTornReads(t *testing.T) {
	const capacity = 256

	s := newTestSlot(capacity)
	if !s.InitialInsert(checksummedPayload(make([]byte, 16), 0)) {
		t.Fatal("InitialInsert failed")
	}

	var writerDone atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer writerDone.Store(true)
		buf := make([]byte, capacity)
		for i := 0; i < 20000; i++ {
			n := 16 + i%(capacity-16)
			if !s.TryUpdate(checksummedPayload(buf[:n], byte(i))) {
				t.Error("TryUpdate failed on live slot")
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf []byte
			for !writerDone.Load() {
				buf = s.ReadConsistent(buf)
				if len(buf) < 4 {
					t.Errorf("snapshot too short: %d bytes", len(buf))
					return
				}
				want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
				if got := crc32.ChecksumIEEE(buf[:len(buf)-4]); got != want {
					t.Errorf("torn read: checksum %08x, want %08x", got, want)
					return
				}
			}
		}()
	}

	wg.Wait()
}
