package hlog

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

func TestScanner_YieldsRecordsInOrder(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})

	const n = 100
	for i := 0; i < n; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{byte(i)}, 50))
	}

	sc := l.Scan(l.BeginAddress(), l.TailAddress())
	var (
		count int
		prev  Address
	)
	for sc.Next() {
		if sc.Address() <= prev {
			t.Fatalf("record %d out of address order", count)
		}
		prev = sc.Address()

		wantKey := fmt.Sprintf("key-%03d", count)
		if string(sc.Key()) != wantKey {
			t.Fatalf("key = %q, want %q", sc.Key(), wantKey)
		}
		if !bytes.Equal(sc.Value(), bytes.Repeat([]byte{byte(count)}, 50)) {
			t.Fatalf("record %d: value mismatch", count)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count != n {
		t.Fatalf("scanned %d records, want %d", count, n)
	}

	// Terminal: every further call keeps returning false.
	for i := 0; i < 3; i++ {
		if sc.Next() {
			t.Fatal("Next returned true after termination")
		}
	}
}

func TestScanner_SkipsInvalidRecords(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})

	var addrs []Address
	for i := 0; i < 30; i++ {
		addrs = append(addrs, appendRecord(t, l, []byte(fmt.Sprintf("key-%02d", i)), []byte("v")))
	}
	// Invalidate every third record, the way compaction does.
	for i := 0; i < len(addrs); i += 3 {
		rec, err := l.Record(addrs[i])
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		rec.SetInvalid()
		rec.Release()
	}

	sc := l.Scan(l.BeginAddress(), l.TailAddress())
	var got []string
	for sc.Next() {
		got = append(got, string(sc.Key()))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	want := 0
	for i := range addrs {
		if i%3 != 0 {
			want++
		}
	}
	if len(got) != want {
		t.Fatalf("scanned %d records, want %d", len(got), want)
	}
	for _, k := range got {
		var i int
		fmt.Sscanf(k, "key-%d", &i)
		if i%3 == 0 {
			t.Fatalf("invalidated record %q yielded", k)
		}
	}
}

// Re-scanning with an advanced end address picks up only records
// committed beyond the old boundary.
func TestScanner_ResumeBeyondOldEnd(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})

	for i := 0; i < 10; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("old-%02d", i)), []byte("v"))
	}
	oldTail := l.TailAddress()

	for i := 0; i < 5; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("new-%02d", i)), []byte("v"))
	}

	sc := l.Scan(oldTail, l.TailAddress())
	var got []string
	for sc.Next() {
		got = append(got, string(sc.Key()))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("scanned %d records, want 5", len(got))
	}
	for i, k := range got {
		if want := fmt.Sprintf("new-%02d", i); k != want {
			t.Fatalf("key = %q, want %q", k, want)
		}
	}
}

func TestScanner_TombstonesAreYielded(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})

	appendRecord(t, l, []byte("live"), []byte("v"))
	rec, err := l.Allocate(context.Background(), []byte("dead"), 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	rec.Slot().InitialInsert(nil)
	rec.Commit(true)
	rec.Release()

	sc := l.Scan(l.BeginAddress(), l.TailAddress())
	var tombstones, live int
	for sc.Next() {
		if sc.Tombstone() {
			tombstones++
		} else {
			live++
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if live != 1 || tombstones != 1 {
		t.Fatalf("live=%d tombstones=%d, want 1/1", live, tombstones)
	}
}

// An abandoned scan holds its current page resident; Close lets a
// subsequent head shift reclaim it.
func TestScanner_CloseReleasesPage(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})
	for i := 0; i < 80; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{1}, 64))
	}

	sc := l.Scan(l.BeginAddress(), l.TailAddress())
	if !sc.Next() {
		t.Fatalf("Next failed: %v", sc.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.ShiftHead(ctx, l.TailAddress()); err == nil {
		t.Fatal("ShiftHead completed despite an open scan on the page")
	}

	sc.Close()
	if sc.Next() {
		t.Fatal("Next returned true after Close")
	}
	if err := l.ShiftHead(context.Background(), l.TailAddress()); err != nil {
		t.Fatalf("ShiftHead after Close failed: %v", err)
	}
}

func TestScanner_TrimmedRangeFails(t *testing.T) {
	l := newTestLog(t, Config{PageSize: 4096})

	start := l.BeginAddress()
	for i := 0; i < 10; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("key-%02d", i)), []byte("v"))
	}
	l.ShiftBegin(l.TailAddress())

	sc := l.Scan(start, l.TailAddress())
	if sc.Next() {
		t.Fatal("Next succeeded over trimmed range")
	}
	if sc.Err() != ErrAddressTrimmed {
		t.Fatalf("Err = %v, want %v", sc.Err(), ErrAddressTrimmed)
	}
	// Failure is terminal, not retryable.
	if sc.Next() {
		t.Fatal("Next returned true after fatal error")
	}
}

func TestScanner_NonResidentRangeFails(t *testing.T) {
	var sealedPages int
	l := newTestLog(t, Config{
		PageSize:         4096,
		MaxResidentPages: 2,
		AutoEvict:        true,
		Sealer: func(context.Context, Address, []byte) error {
			sealedPages++
			return nil
		},
	})

	start := l.BeginAddress()
	for i := 0; i < 100; i++ {
		appendRecord(t, l, []byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{1}, 512))
	}
	if sealedPages == 0 {
		t.Fatal("expected sealed pages")
	}

	sc := l.Scan(start, l.TailAddress())
	if sc.Next() {
		t.Fatal("Next succeeded below head address")
	}
	if sc.Err() != ErrRangeUnsupported {
		t.Fatalf("Err = %v, want %v", sc.Err(), ErrRangeUnsupported)
	}

	// The resident suffix is still scannable.
	sc = l.Scan(l.HeadAddress(), l.TailAddress())
	count := 0
	for sc.Next() {
		count++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("resident scan failed: %v", err)
	}
	if count == 0 {
		t.Fatal("resident scan yielded nothing")
	}
}
