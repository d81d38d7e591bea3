package las

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tidwall/btree"

	"github.com/heaplane/heaplane/internal/metrics"
)

// evictionEntry is one bounded sample of an eviction-candidate extent: it is
// pre-unswizzled and ready for eviction, tagged with the upper layer's stamp
// (the transaction read-version at insertion, per §4.2).
type evictionEntry struct {
	slice LogicalSlice
	stamp uint64
}

func sizeKeyLess(a, b evictionEntry) bool {
	if a.slice.Length != b.slice.Length {
		return a.slice.Length < b.slice.Length
	}
	return a.slice.Offset < b.slice.Offset
}

// EvictionCandidates is the bounded sample of extents ready for eviction
// described in §4.2. It approximates "Random with Second Chance" (the Open
// Question resolved in DESIGN.md): insertion order into the LRU stands in
// for a random sample of recently-touched extents, and Touch gives an entry
// a second chance by promoting it instead of letting it fall out under
// capacity pressure.
//
// Extents in the map are still readable: Remove takes an extent out of the
// map and hands it back to the reader that hit it (§4.2).
type EvictionCandidates struct {
	mu       sync.Mutex
	sampleSz int
	lru      *lru.LRU[uint64, evictionEntry] // keyed by slice offset
	bySize   *btree.BTreeG[evictionEntry]    // ordered by (length, offset) for size-based pop
}

// NewEvictionCandidates creates a candidate map bounded to sampleSize
// entries — target size ~x% of a source's extents, per §4.2.
func NewEvictionCandidates(sampleSize int) *EvictionCandidates {
	ec := &EvictionCandidates{
		sampleSz: sampleSize,
		bySize:   btree.NewBTreeG(sizeKeyLess),
	}
	l, _ := lru.NewLRU[uint64, evictionEntry](sampleSize, func(offset uint64, e evictionEntry) {
		ec.bySize.Delete(e)
	})
	ec.lru = l
	return ec
}

// Add inserts slice into the candidate sample, tagged with stamp.
func (ec *EvictionCandidates) Add(slice LogicalSlice, stamp uint64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	e := evictionEntry{slice: slice, stamp: stamp}
	ec.lru.Add(slice.Offset, e)
	ec.bySize.Set(e)
}

// Touch gives slice a second chance by promoting it in recency order,
// instead of letting it fall out under capacity pressure.
func (ec *EvictionCandidates) Touch(slice LogicalSlice) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lru.Get(slice.Offset)
}

// Remove takes slice out of the candidate map unconditionally (e.g. a read
// landed on it) and reports whether it was present.
func (ec *EvictionCandidates) Remove(slice LogicalSlice) (stamp uint64, ok bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	e, present := ec.lru.Peek(slice.Offset)
	if !present {
		return 0, false
	}
	ec.lru.Remove(slice.Offset)
	ec.bySize.Delete(e)
	return e.stamp, true
}

// PopSufficient pops the smallest candidate extent of at least minSize whose
// stamp is confirmed reclaimable by hasReaders, per §4.2's allocation-under-
// pressure algorithm: "pop the smallest-sufficient extent; consult the upper
// layer to confirm reclamation; if refused, remove and try next."
func (ec *EvictionCandidates) PopSufficient(minSize uint64, hasReaders func(stamp uint64) bool) (LogicalSlice, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var rejected []evictionEntry
	var result evictionEntry
	found := false
	ec.bySize.Ascend(evictionEntry{slice: LogicalSlice{Length: minSize}}, func(e evictionEntry) bool {
		if e.slice.Length < minSize {
			return true
		}
		if hasReaders(e.stamp) {
			rejected = append(rejected, e)
			return true
		}
		result, found = e, true
		return false
	})
	// Remove everything we scanned: accepted result and every rejected
	// still-read candidate both leave the sample (rejected ones will be
	// re-added by the owning extent's next natural touch/evict cycle).
	for _, e := range rejected {
		ec.lru.Remove(e.slice.Offset)
		ec.bySize.Delete(e)
	}
	if found {
		ec.lru.Remove(result.slice.Offset)
		ec.bySize.Delete(result)
		metrics.Evictions.Inc()
		return result.slice, true
	}
	return LogicalSlice{}, false
}

// PopLargestWithBuddy implements the fallback of §4.2: "If no single extent
// suffices, pop the largest and evict its buddy (recursively) to yield a
// larger contiguous region." buddyOf computes the candidate buddy address
// for a given (offset, length); the caller supplies it since only the buddy
// allocator knows the XOR relationship for a given base.
func (ec *EvictionCandidates) PopLargestWithBuddy(
	hasReaders func(stamp uint64) bool,
	buddyOf func(slice LogicalSlice) LogicalSlice,
) (LogicalSlice, LogicalSlice, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var largest evictionEntry
	found := false
	// bySize is ascending; walk from the end to find the largest candidate
	// whose reader check passes.
	var all []evictionEntry
	ec.bySize.Scan(func(e evictionEntry) bool { all = append(all, e); return true })
	for i := len(all) - 1; i >= 0; i-- {
		if !hasReaders(all[i].stamp) {
			largest, found = all[i], true
			break
		}
	}
	if !found {
		return LogicalSlice{}, LogicalSlice{}, false
	}
	buddy := buddyOf(largest.slice)
	buddyStamp, present := ec.lru.Peek(buddy.Offset)
	if !present || hasReaders(buddyStamp.stamp) {
		return LogicalSlice{}, LogicalSlice{}, false
	}
	ec.lru.Remove(largest.slice.Offset)
	ec.bySize.Delete(largest)
	ec.lru.Remove(buddy.Offset)
	ec.bySize.Delete(buddyStamp)
	metrics.Evictions.Add(2)
	return largest.slice, buddy, true
}

// Len reports the current sample size.
func (ec *EvictionCandidates) Len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lru.Len()
}
