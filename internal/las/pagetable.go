package las

import (
	"sync"

	"github.com/tidwall/btree"
)

// pagetableEntry maps one faster-tier extent to its slower persistent twin.
// Ordered by Fast.Offset so range scans can cheaply detect whether a given
// LogicalSlice straddles a registered extent boundary (§3 invariant: "Slice
// operations never cross extent boundaries").
type pagetableEntry struct {
	Fast LogicalSlice
	Slow LogicalSlice
}

func pagetableLess(a, b pagetableEntry) bool { return a.Fast.Offset < b.Fast.Offset }

// Pagetable records, for every Live-Mirrored extent, its slower persistent
// twin. Entry existence distinguishes Live-Volatile (no entry) from
// Live-Mirrored (entry present). Twin direction is always faster->slower.
type Pagetable struct {
	mu  sync.RWMutex
	idx *btree.BTreeG[pagetableEntry]
}

func NewPagetable() *Pagetable {
	return &Pagetable{idx: btree.NewBTreeG(pagetableLess)}
}

// Set installs a twin mapping. fast and slow must have equal length (§3
// invariant). Installing a second twin at the same tier for the same fast
// extent is a fatal invariant violation, enforced by the caller (LAS),
// not here — the pagetable itself is a dumb index.
func (p *Pagetable) Set(fast, slow LogicalSlice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx.Set(pagetableEntry{Fast: fast, Slow: slow})
}

// Lookup returns the persistent twin of fast, if any.
func (p *Pagetable) Lookup(fast LogicalSlice) (LogicalSlice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.idx.Get(pagetableEntry{Fast: fast}); ok {
		return e.Slow, true
	}
	return LogicalSlice{}, false
}

// Delete removes the twin mapping for fast (e.g. on eviction of the
// fast-tier copy, or when the fast extent itself is freed).
func (p *Pagetable) Delete(fast LogicalSlice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx.Delete(pagetableEntry{Fast: fast})
}

// ContainsOverlap reports whether any registered fast-tier extent overlaps
// [offset, offset+length) other than exactly matching it — used to assert
// the no-straddling invariant when a new slice is about to be registered.
func (p *Pagetable) ContainsOverlap(offset, length uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	found := false
	p.idx.Ascend(pagetableEntry{Fast: LogicalSlice{Offset: 0}}, func(e pagetableEntry) bool {
		if e.Fast.Offset >= offset+length {
			return false
		}
		if e.Fast.Offset+e.Fast.Length > offset && e.Fast.Offset < offset+length &&
			!(e.Fast.Offset == offset && e.Fast.Length == length) {
			found = true
			return false
		}
		return true
	})
	return found
}
