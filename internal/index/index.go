// Package index maps keys to their current log address. It is the
// engine's lookup collaborator: the mutation protocol never depends on
// the index for mutual exclusion (the slot's generation lock does
// that), so a striped-lock table is sufficient and keeps lookups
// cheap under concurrent load.
//
// Relocation uses the conditional UpdateIf/DeleteIf forms: an entry is
// only re-pointed if it still names the address the caller resolved,
// so a racing relocation of the same key loses cleanly and retries.
package index

import (
	"hash/maphash"
	"sync"

	"github.com/matthewbrookes/FASTER/internal/hlog"
)

// DefaultStripes is the stripe count used when none is configured.
const DefaultStripes = 64

type stripe struct {
	mu sync.RWMutex
	m  map[string]hlog.Address
}

// Table is a striped hash index from key bytes to log address.
type Table struct {
	seed    maphash.Seed
	stripes []stripe
	mask    uint64
}

// New creates a table with the given stripe count, rounded up to a
// power of two.
func New(numStripes int) *Table {
	if numStripes <= 0 {
		numStripes = DefaultStripes
	}
	n := 1
	for n < numStripes {
		n <<= 1
	}

	t := &Table{
		seed:    maphash.MakeSeed(),
		stripes: make([]stripe, n),
		mask:    uint64(n - 1),
	}
	for i := range t.stripes {
		t.stripes[i].m = make(map[string]hlog.Address)
	}
	return t
}

func (t *Table) stripe(key []byte) *stripe {
	return &t.stripes[maphash.Bytes(t.seed, key)&t.mask]
}

// Get returns the current address for key.
func (t *Table) Get(key []byte) (hlog.Address, bool) {
	s := t.stripe(key)
	s.mu.RLock()
	addr, ok := s.m[string(key)]
	s.mu.RUnlock()
	return addr, ok
}

// PutIfAbsent installs addr for key if no entry exists. It returns the
// address now in the table and whether this call installed it; a false
// return means another writer published first and the caller's record
// is an orphan.
func (t *Table) PutIfAbsent(key []byte, addr hlog.Address) (hlog.Address, bool) {
	s := t.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[string(key)]; ok {
		return existing, false
	}
	s.m[string(key)] = addr
	return addr, true
}

// Put unconditionally installs addr for key. Used by recovery paths
// that replay the log in address order.
func (t *Table) Put(key []byte, addr hlog.Address) {
	s := t.stripe(key)
	s.mu.Lock()
	s.m[string(key)] = addr
	s.mu.Unlock()
}

// UpdateIf re-points key from old to next. Returns false if the entry
// no longer holds old, in which case the caller must re-resolve.
func (t *Table) UpdateIf(key []byte, old, next hlog.Address) bool {
	s := t.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[string(key)]; !ok || cur != old {
		return false
	}
	s.m[string(key)] = next
	return true
}

// DeleteIf removes key's entry if it still holds old. Used when
// compaction drops a tombstone from the log.
func (t *Table) DeleteIf(key []byte, old hlog.Address) bool {
	s := t.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[string(key)]; !ok || cur != old {
		return false
	}
	delete(s.m, string(key))
	return true
}

// Len returns the number of indexed keys.
func (t *Table) Len() int {
	n := 0
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
