package las

import (
	"sync"

	"github.com/tidwall/btree"
)

// compactionEntry tracks one extent's live-byte occupancy estimate, as
// passed to Report. Per the Open Question decision in DESIGN.md, LAS carries
// no on-media slotted header for this — it is pure runtime bookkeeping,
// never derived from a heap scan. VAS does not call Report; the only caller
// is LAS.Compaction re-queueing a batch it could not place.
type compactionEntry struct {
	slice       LogicalSlice
	sourceIdx   int
	occupancy   uint64 // estimated live bytes remaining
}

func compactionLess(a, b compactionEntry) bool {
	if a.occupancy != b.occupancy {
		return a.occupancy < b.occupancy
	}
	return a.slice.Offset < b.slice.Offset
}

// CompactionCandidates tracks extents whose occupancy has dropped, grouped
// implicitly by sourceIdx (tier), ordered by occupancy so the least-occupied
// extents are considered first when picking a batch to merge (§4.2).
type CompactionCandidates struct {
	mu  sync.Mutex
	idx *btree.BTreeG[compactionEntry]
	// byOffset lets occupancy updates find and re-key an existing entry.
	byOffset map[uint64]compactionEntry
}

func NewCompactionCandidates() *CompactionCandidates {
	return &CompactionCandidates{
		idx:      btree.NewBTreeG(compactionLess),
		byOffset: make(map[uint64]compactionEntry),
	}
}

// Report records or updates an extent's live-occupancy estimate. An
// occupancy of 0 means the extent is entirely free and should instead be
// returned directly to its Source Allocator (§4.2), not queued here.
func (c *CompactionCandidates) Report(slice LogicalSlice, sourceIdx int, occupancy uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byOffset[slice.Offset]; ok {
		c.idx.Delete(old)
	}
	e := compactionEntry{slice: slice, sourceIdx: sourceIdx, occupancy: occupancy}
	c.idx.Set(e)
	c.byOffset[slice.Offset] = e
}

// Clear removes slice from candidacy (e.g. after it has been compacted away
// or fully freed).
func (c *CompactionCandidates) Clear(slice LogicalSlice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byOffset[slice.Offset]; ok {
		c.idx.Delete(old)
		delete(c.byOffset, slice.Offset)
	}
}

// Batch picks same-tier candidates whose occupancy sums to at least
// targetBytes (one new extent's worth), per §4.2: "When >= N same-tier
// candidates sum to one new extent's worth, a worker [runs compaction]."
// It returns nil if no such batch currently exists.
func (c *CompactionCandidates) Batch(sourceIdx int, targetBytes uint64, minCandidates int) []LogicalSlice {
	c.mu.Lock()
	defer c.mu.Unlock()

	var picked []compactionEntry
	var sum uint64
	c.idx.Scan(func(e compactionEntry) bool {
		if e.sourceIdx != sourceIdx {
			return true
		}
		picked = append(picked, e)
		sum += e.occupancy
		return sum < targetBytes
	})
	if len(picked) < minCandidates || sum < targetBytes {
		return nil
	}
	out := make([]LogicalSlice, len(picked))
	for i, e := range picked {
		out[i] = e.slice
		c.idx.Delete(e)
		delete(c.byOffset, e.slice.Offset)
	}
	return out
}

// Len reports how many extents are currently tracked as compaction
// candidates.
func (c *CompactionCandidates) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.Len()
}
