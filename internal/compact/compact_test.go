package compact

import (
	"context"
	"fmt"
	"testing"

	"github.com/matthewbrookes/FASTER/internal/hlog"
	"github.com/matthewbrookes/FASTER/internal/index"
)

func newTestStore(t *testing.T) (*hlog.Log, *index.Table) {
	t.Helper()
	log, err := hlog.New(hlog.Config{PageSize: 4096})
	if err != nil {
		t.Fatalf("hlog.New failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, index.New(0)
}

// insert appends a committed record and publishes it in the index,
// superseding any previous copy of the key.
func insert(t *testing.T, log *hlog.Log, idx *index.Table, key string, value []byte, tombstone bool) hlog.Address {
	t.Helper()
	rec, err := log.Allocate(context.Background(), []byte(key), len(value))
	if err != nil {
		t.Fatalf("Allocate(%q) failed: %v", key, err)
	}
	if !rec.Slot().InitialInsert(value) {
		t.Fatalf("InitialInsert(%q) failed", key)
	}
	rec.Commit(tombstone)
	idx.Put([]byte(key), rec.Address())
	addr := rec.Address()
	rec.Release()
	return addr
}

func TestCompact_RelocatesLiveRecords(t *testing.T) {
	log, idx := newTestStore(t)
	ctx := context.Background()

	want := make(map[string]string)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		value := fmt.Sprintf("value-%03d", i)
		insert(t, log, idx, key, []byte(value), false)
		want[key] = value
	}
	until := log.TailAddress()

	stats, err := New(log, idx, Config{Workers: 4}).Compact(ctx, until)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.Relocated != 50 {
		t.Fatalf("Relocated = %d, want 50", stats.Relocated)
	}
	if log.BeginAddress() != until {
		t.Fatalf("BeginAddress = %d, want %d", log.BeginAddress(), until)
	}

	// Every key must resolve above the trimmed range with its value
	// intact.
	for key, value := range want {
		addr, ok := idx.Get([]byte(key))
		if !ok {
			t.Fatalf("key %q missing after compaction", key)
		}
		if addr < until {
			t.Fatalf("key %q still points below the trimmed range (%d < %d)", key, addr, until)
		}
		rec, err := log.Record(addr)
		if err != nil {
			t.Fatalf("Record(%d) failed: %v", addr, err)
		}
		got := string(rec.Slot().ReadConsistent(nil))
		rec.Release()
		if got != value {
			t.Fatalf("key %q = %q, want %q", key, got, value)
		}
	}
}

func TestCompact_SkipsSupersededCopies(t *testing.T) {
	log, idx := newTestStore(t)

	// Write each key twice; only the second copy is live.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < 20; i++ {
			insert(t, log, idx, fmt.Sprintf("key-%03d", i), []byte(fmt.Sprintf("v%d-%03d", pass, i)), false)
		}
	}
	until := log.TailAddress()

	stats, err := New(log, idx, Config{Workers: 2}).Compact(context.Background(), until)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.Scanned != 40 {
		t.Fatalf("Scanned = %d, want 40", stats.Scanned)
	}
	if stats.Relocated != 20 {
		t.Fatalf("Relocated = %d, want 20", stats.Relocated)
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%03d", i)
		addr, ok := idx.Get([]byte(key))
		if !ok {
			t.Fatalf("key %q missing after compaction", key)
		}
		rec, err := log.Record(addr)
		if err != nil {
			t.Fatalf("Record(%d) failed: %v", addr, err)
		}
		want := fmt.Sprintf("v1-%03d", i)
		got := string(rec.Slot().ReadConsistent(nil))
		rec.Release()
		if got != want {
			t.Fatalf("key %q = %q, want %q", key, got, want)
		}
	}
}

func TestCompact_DropsTombstones(t *testing.T) {
	log, idx := newTestStore(t)

	insert(t, log, idx, "keep", []byte("kept"), false)
	insert(t, log, idx, "gone-1", nil, true)
	insert(t, log, idx, "gone-2", nil, true)
	until := log.TailAddress()

	stats, err := New(log, idx, Config{}).Compact(context.Background(), until)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.TombstonesDropped != 2 {
		t.Fatalf("TombstonesDropped = %d, want 2", stats.TombstonesDropped)
	}
	if stats.Relocated != 1 {
		t.Fatalf("Relocated = %d, want 1", stats.Relocated)
	}

	if _, ok := idx.Get([]byte("gone-1")); ok {
		t.Fatal("gone-1 still indexed after compaction")
	}
	if _, ok := idx.Get([]byte("gone-2")); ok {
		t.Fatal("gone-2 still indexed after compaction")
	}
	if idx.Len() != 1 {
		t.Fatalf("index len = %d, want 1", idx.Len())
	}
}

func TestCompact_PreservesCapacityHeadroom(t *testing.T) {
	log, idx := newTestStore(t)

	rec, err := log.Allocate(context.Background(), []byte("grow"), 64)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	rec.Slot().InitialInsert([]byte("short"))
	rec.Commit(false)
	idx.Put([]byte("grow"), rec.Address())
	rec.Release()
	until := log.TailAddress()

	if _, err := New(log, idx, Config{}).Compact(context.Background(), until); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	addr, _ := idx.Get([]byte("grow"))
	moved, err := log.Record(addr)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	slot := moved.Slot()
	if slot.Capacity() != 64 {
		t.Fatalf("relocated capacity = %d, want 64", slot.Capacity())
	}
	// The preserved headroom still admits an in-place growth.
	if !slot.TryUpdate([]byte("a considerably longer value that fits in 64 bytes")) {
		t.Fatal("in-place update within preserved capacity failed")
	}
	moved.Release()
}

func TestCompact_EmptyRange(t *testing.T) {
	log, idx := newTestStore(t)

	stats, err := New(log, idx, Config{}).Compact(context.Background(), log.TailAddress())
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.Scanned != 0 || stats.Relocated != 0 {
		t.Fatalf("unexpected stats for empty range: %+v", stats)
	}
}

func TestCompact_PartialRange(t *testing.T) {
	log, idx := newTestStore(t)

	for i := 0; i < 10; i++ {
		insert(t, log, idx, fmt.Sprintf("old-%d", i), []byte("x"), false)
	}
	mid := log.TailAddress()
	for i := 0; i < 10; i++ {
		insert(t, log, idx, fmt.Sprintf("new-%d", i), []byte("y"), false)
	}

	stats, err := New(log, idx, Config{Workers: 2}).Compact(context.Background(), mid)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.Relocated != 10 {
		t.Fatalf("Relocated = %d, want 10", stats.Relocated)
	}
	if log.BeginAddress() != mid {
		t.Fatalf("BeginAddress = %d, want %d", log.BeginAddress(), mid)
	}

	// Records above the compacted range were not touched.
	for i := 0; i < 10; i++ {
		addr, ok := idx.Get([]byte(fmt.Sprintf("new-%d", i)))
		if !ok {
			t.Fatalf("new-%d missing", i)
		}
		if addr < mid {
			t.Fatalf("new-%d was relocated unexpectedly", i)
		}
	}
}
