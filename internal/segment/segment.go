// Package segment encodes sealed log pages for secondary storage:
// a fixed header carrying the page's first log address, an optional
// compression layer, and a CRC32C over the stored payload.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/matthewbrookes/FASTER/internal/hash"
	"github.com/matthewbrookes/FASTER/internal/hlog"
)

// Compression selects the codec applied to a sealed page.
type Compression uint8

const (
	// None stores the page raw.
	None Compression = iota
	// Zstd compresses with zstd at its default level.
	Zstd
	// LZ4 compresses with lz4 block compression, falling back to raw
	// storage for incompressible pages.
	LZ4
)

var (
	// ErrBadMagic is returned for data that is not a sealed segment.
	ErrBadMagic = errors.New("segment: bad magic")
	// ErrBadVersion is returned for unsupported format versions.
	ErrBadVersion = errors.New("segment: unsupported version")
	// ErrChecksum is returned when the stored payload is corrupt.
	ErrChecksum = errors.New("segment: checksum mismatch")
	// ErrTruncated is returned when the data is shorter than its
	// header claims.
	ErrTruncated = errors.New("segment: truncated")
)

var segmentMagic = [4]byte{'F', 'S', 'G', '1'}

const (
	formatVersion = 1

	// magic(4) version(2) compression(1) reserved(1)
	// firstAddr(8) rawLen(4) encLen(4) crc(4) reserved(4)
	headerLen = 32
)

// BlobName returns the blob-store name for the segment holding the
// page that starts at firstAddr.
func BlobName(firstAddr hlog.Address) string {
	return fmt.Sprintf("segments/%016x.seg", uint64(firstAddr))
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode seals one page into a segment blob.
func Encode(firstAddr hlog.Address, page []byte, c Compression) ([]byte, error) {
	var payload []byte
	switch c {
	case None:
		payload = page
	case Zstd:
		payload = zstdEncoder.EncodeAll(page, make([]byte, 0, len(page)/2+headerLen))
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(page)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(page, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(page) {
			// Incompressible; store raw.
			c = None
			payload = page
		} else {
			payload = buf[:n]
		}
	default:
		return nil, fmt.Errorf("segment: unknown compression %d", c)
	}

	out := make([]byte, headerLen+len(payload))
	copy(out, segmentMagic[:])
	binary.LittleEndian.PutUint16(out[4:6], formatVersion)
	out[6] = byte(c)
	binary.LittleEndian.PutUint64(out[8:16], uint64(firstAddr))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(page)))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[24:28], hash.CRC32C(payload))
	copy(out[headerLen:], payload)
	return out, nil
}

// Decode verifies and unpacks a segment blob, returning the page's
// first log address and its raw bytes.
func Decode(data []byte) (hlog.Address, []byte, error) {
	if len(data) < headerLen {
		return 0, nil, ErrTruncated
	}
	if [4]byte(data[0:4]) != segmentMagic {
		return 0, nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(data[4:6]) != formatVersion {
		return 0, nil, ErrBadVersion
	}
	c := Compression(data[6])
	firstAddr := hlog.Address(binary.LittleEndian.Uint64(data[8:16]))
	rawLen := int(binary.LittleEndian.Uint32(data[16:20]))
	encLen := int(binary.LittleEndian.Uint32(data[20:24]))
	crc := binary.LittleEndian.Uint32(data[24:28])

	if len(data) < headerLen+encLen {
		return 0, nil, ErrTruncated
	}
	payload := data[headerLen : headerLen+encLen]
	if hash.CRC32C(payload) != crc {
		return 0, nil, ErrChecksum
	}

	switch c {
	case None:
		if len(payload) != rawLen {
			return 0, nil, ErrTruncated
		}
		page := make([]byte, rawLen)
		copy(page, payload)
		return firstAddr, page, nil
	case Zstd:
		page, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return 0, nil, err
		}
		if len(page) != rawLen {
			return 0, nil, ErrTruncated
		}
		return firstAddr, page, nil
	case LZ4:
		page := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, page)
		if err != nil {
			return 0, nil, err
		}
		if n != rawLen {
			return 0, nil, ErrTruncated
		}
		return firstAddr, page, nil
	default:
		return 0, nil, fmt.Errorf("segment: unknown compression %d", c)
	}
}
