// Package buddy implements the per-Source buddy allocator of spec §4.1: a
// power-of-two allocator over one Source's slice of the logical address
// space, carrying no on-media metadata. Occupancy is rebuilt at startup
// from a caller-supplied live iterator (Reconstruct).
package buddy

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/tidwall/btree"
)

// Slice is a (LAS offset, length) pair within one Source's assigned region.
// It is the buddy allocator's unit of allocation; internal/las.LogicalSlice
// is an alias of this type so the two packages share one representation.
type Slice struct {
	Offset uint64
	Length uint64
}

// ErrOutOfSpace is returned when no free block of sufficient size exists,
// even after recursive buddy coalescing is exhausted.
var ErrOutOfSpace = errors.New("buddy: out of space")

// freeBlock is a free-list entry ordered by (order, offset) so that
// size-class scans ("smallest sufficient buddy") are a single ordered
// btree walk instead of a linear scan of all free extents.
type freeBlock struct {
	order  uint8
	offset uint64
}

func freeBlockLess(a, b freeBlock) bool {
	if a.order != b.order {
		return a.order < b.order
	}
	return a.offset < b.offset
}

// Allocator is a buddy allocator over a single Source's contiguous base..base+size
// region of the logical address space. MinExtent must be a power of two; all
// allocations round up to the smallest power-of-two block >= MinExtent that
// satisfies the request.
type Allocator struct {
	base      uint64
	size      uint64
	minExtent uint64
	maxOrder  uint8

	free  *btree.BTreeG[freeBlock] // free blocks, ordered by (order, offset)
	state map[uint64]blockState    // offset (within base) -> state, keyed by the block's own offset
}

type blockState struct {
	order uint8
	free  bool
}

// New creates an Allocator over [base, base+size). size must be a multiple
// of minExtent, and minExtent must be a power of two.
func New(base, size, minExtent uint64) (*Allocator, error) {
	if minExtent == 0 || minExtent&(minExtent-1) != 0 {
		return nil, fmt.Errorf("buddy: minExtent %d is not a power of two", minExtent)
	}
	if size%minExtent != 0 {
		return nil, fmt.Errorf("buddy: size %d is not a multiple of minExtent %d", size, minExtent)
	}
	blocks := size / minExtent
	maxOrder := uint8(0)
	for (uint64(1) << maxOrder) < blocks {
		maxOrder++
	}
	a := &Allocator{
		base:      base,
		size:      size,
		minExtent: minExtent,
		maxOrder:  maxOrder,
		free:      btree.NewBTreeG(freeBlockLess),
		state:     make(map[uint64]blockState),
	}
	// The whole region starts as one free block of the largest order that
	// fits; a size not itself a power of two in blocks is carved into the
	// largest power-of-two prefix plus a recursive remainder.
	a.seedFree(0, blocks)
	return a, nil
}

func (a *Allocator) seedFree(relOffsetBlocks, blocks uint64) {
	for blocks > 0 {
		order := uint8(0)
		for (uint64(1) << (order + 1)) <= blocks {
			order++
		}
		off := a.base + relOffsetBlocks*a.minExtent
		a.free.Set(freeBlock{order: order, offset: off})
		a.state[off] = blockState{order: order, free: true}
		consumed := uint64(1) << order
		relOffsetBlocks += consumed
		blocks -= consumed
	}
}

func (a *Allocator) blockSize(order uint8) uint64 { return a.minExtent << order }

func (a *Allocator) buddyOf(offset uint64, order uint8) uint64 {
	rel := offset - a.base
	size := a.blockSize(order)
	return a.base + (rel ^ size)
}

// Allocate rounds size up to the smallest power-of-two block whose length is
// >= minExtent and >= size, splitting the smallest sufficient free block.
func (a *Allocator) Allocate(size uint64) (Slice, error) {
	if size == 0 {
		size = 1
	}
	order := uint8(0)
	for a.blockSize(order) < size {
		if order >= a.maxOrder {
			return Slice{}, ErrOutOfSpace
		}
		order++
	}
	offset, ok := a.takeFree(order)
	if !ok {
		return Slice{}, ErrOutOfSpace
	}
	return Slice{Offset: offset, Length: a.blockSize(order)}, nil
}

// takeFree finds the smallest free block of order >= want, splitting it down
// to exactly `want` and returning the resulting block's offset.
func (a *Allocator) takeFree(want uint8) (uint64, bool) {
	var found freeBlock
	ok := false
	a.free.Ascend(freeBlock{order: want, offset: 0}, func(fb freeBlock) bool {
		if fb.order >= want {
			found, ok = fb, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	a.free.Delete(found)
	delete(a.state, found.offset)

	offset, order := found.offset, found.order
	for order > want {
		order--
		buddyOffset := offset + a.blockSize(order)
		a.free.Set(freeBlock{order: order, offset: buddyOffset})
		a.state[buddyOffset] = blockState{order: order, free: true}
	}
	a.state[offset] = blockState{order: want, free: false}
	return offset, true
}

// Free returns a previously allocated Slice to the allocator, coalescing
// with its buddy when the buddy is also free.
func (a *Allocator) Free(s Slice) error {
	st, ok := a.state[s.Offset]
	if !ok || st.free {
		return fmt.Errorf("buddy: free of unknown or already-free offset %d", s.Offset)
	}
	order := st.order
	offset := s.Offset
	for order < a.maxOrder {
		buddyOffset := a.buddyOf(offset, order)
		bst, exists := a.state[buddyOffset]
		if !exists || !bst.free || bst.order != order {
			break
		}
		a.free.Delete(freeBlock{order: order, offset: buddyOffset})
		delete(a.state, buddyOffset)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		order++
	}
	a.free.Set(freeBlock{order: order, offset: offset})
	a.state[offset] = blockState{order: order, free: true}
	return nil
}

// Reconstruct derives free lists from scratch: every block is initially
// marked free by New, then each live region reported by liveIter is carved
// out and marked allocated (§4.1 — "marks every LAS offset reported live by
// the upper layer, then derives free lists").
//
// Live regions are tracked in a roaring64 bitmap keyed by minExtent-sized
// block index rather than raw byte offset, keeping the bitmap compact for
// large slices while still giving exact overlap tests against free blocks
// of any order.
func (a *Allocator) Reconstruct(liveIter func(func(offset, length uint64) error) error) error {
	live := roaring64.New()
	err := liveIter(func(offset, length uint64) error {
		lo := (offset - a.base) / a.minExtent
		hi := (offset + length - a.base + a.minExtent - 1) / a.minExtent
		if hi > lo {
			live.AddRange(lo, hi)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Walk every block currently marked free; any block overlapping a live
	// region must be taken out of the free list.
	var toAllocate []Slice
	a.free.Scan(func(fb freeBlock) bool {
		sz := a.blockSize(fb.order)
		lo := (fb.offset - a.base) / a.minExtent
		hi := (fb.offset + sz - a.base) / a.minExtent
		for b := lo; b < hi; b++ {
			if live.Contains(b) {
				toAllocate = append(toAllocate, Slice{Offset: fb.offset, Length: sz})
				break
			}
		}
		return true
	})
	for _, s := range toAllocate {
		if err := a.markLive(s); err != nil {
			return err
		}
	}
	return nil
}

// markLive removes a free block from the free list and marks it allocated.
// The block is not split: a block that is only partially live is retired
// whole.
func (a *Allocator) markLive(s Slice) error {
	st, ok := a.state[s.Offset]
	if !ok || !st.free {
		return nil
	}
	a.free.Delete(freeBlock{order: st.order, offset: s.Offset})
	a.state[s.Offset] = blockState{order: st.order, free: false}
	return nil
}

