// Package mmap provides the raw memory underneath the hybrid log's
// pages: anonymous read-write mappings held outside the Go garbage
// collector, plus read-only file mappings for inspecting sealed
// segments written to local storage.
//
// Unix platforms use mmap(2)/madvise(2); Windows uses VirtualAlloc and
// CreateFileMapping. Mapping is safe for concurrent reads; Close is
// idempotent, but callers must ensure no goroutine touches Bytes()
// after Close returns.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

// AccessPattern hints to the kernel how a mapping will be accessed.
type AccessPattern int

const (
	// AccessDefault applies no specific advice.
	AccessDefault AccessPattern = iota
	// AccessSequential expects a forward scan (log scans, offload).
	AccessSequential
	// AccessRandom expects point lookups.
	AccessRandom
	// AccessDontNeed expects the pages to go cold (sealed pages).
	AccessDontNeed
)

var (
	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for non-positive mapping sizes.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping owns one mapped region and is responsible for unmapping it.
type Mapping struct {
	data   []byte
	size   int
	closed atomic.Bool
	unmap  func([]byte) error
}

// MapAnon creates a zero-filled anonymous read-write mapping of size
// bytes. The memory is invisible to the Go GC, which is what lets the
// log hold record slots at stable addresses.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, unmap, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, size: size, unmap: unmap}, nil
}

// OpenFile maps the file at path read-only.
func OpenFile(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrInvalidSize
	}

	data, unmap, err := osMapFile(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, size: int(size), unmap: unmap}, nil
}

// Bytes returns the mapped memory, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the mapping size in bytes.
func (m *Mapping) Size() int { return m.size }

// Advise passes an access-pattern hint to the kernel. Advisory only;
// alignment-related rejections are ignored.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the memory. Idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}
