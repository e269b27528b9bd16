package segment

import (
	"bytes"
	"testing"

	"github.com/matthewbrookes/FASTER/internal/hlog"
)

func testPage() []byte {
	// Compressible content with some structure, like a real page of
	// records.
	page := make([]byte, 8192)
	for i := range page {
		page[i] = byte(i / 64)
	}
	return page
}

func TestEncodeDecode(t *testing.T) {
	page := testPage()

	for _, c := range []Compression{None, Zstd, LZ4} {
		blob, err := Encode(hlog.Address(4096), page, c)
		if err != nil {
			t.Fatalf("Encode(%d) failed: %v", c, err)
		}
		if c != None && len(blob) >= len(page)+headerLen {
			t.Errorf("compression %d did not shrink a compressible page", c)
		}

		addr, got, err := Decode(blob)
		if err != nil {
			t.Fatalf("Decode(%d) failed: %v", c, err)
		}
		if addr != 4096 {
			t.Fatalf("firstAddr = %d, want 4096", addr)
		}
		if !bytes.Equal(got, page) {
			t.Fatalf("compression %d: page roundtrip mismatch", c)
		}
	}
}

func TestDecode_Corruption(t *testing.T) {
	blob, err := Encode(hlog.Address(64), testPage(), Zstd)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[0] ^= 0xFF
		if _, _, err := Decode(bad); err != ErrBadMagic {
			t.Fatalf("err = %v, want %v", err, ErrBadMagic)
		}
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[len(bad)-1] ^= 0xFF
		if _, _, err := Decode(bad); err != ErrChecksum {
			t.Fatalf("err = %v, want %v", err, ErrChecksum)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, _, err := Decode(blob[:16]); err != ErrTruncated {
			t.Fatalf("err = %v, want %v", err, ErrTruncated)
		}
		if _, _, err := Decode(blob[:len(blob)/2]); err != ErrTruncated {
			t.Fatalf("err = %v, want %v", err, ErrTruncated)
		}
	})
}

func TestBlobName(t *testing.T) {
	if got := BlobName(hlog.Address(4096)); got != "segments/0000000000001000.seg" {
		t.Fatalf("BlobName = %q", got)
	}
}
