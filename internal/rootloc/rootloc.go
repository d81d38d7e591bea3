// Package rootloc implements the Root Location: the fixed 64-byte
// persisted region naming the root object and the head of the durable log
// chain (spec §6), and crash recovery over that chain (§7, §8 scenario S5).
package rootloc

import (
	"context"
	"fmt"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/vas"
)

// Size is the Root Location's fixed, byte-exact footprint:
//
//	bytes 00..32 : object header {pointers_size=8, body_size=24,
//	               version=1, parent=NULL, other=NULL}
//	bytes 32..40 : pointer to root object
//	bytes 40..48 : pointer to head of log chain
//	bytes 48..64 : reserved (zero)
const Size = 64

const (
	offRootPointer = 32
	offLogHead     = 40
)

// RootLocation is the single named entry point into the heap.
type RootLocation struct {
	l   *las.LAS
	ext las.Extent
	rel uint64 // relative offset of the 64-byte region within ext
}

// Bootstrap allocates and initializes a fresh Root Location, for opening a
// brand-new, empty heap (§6).
func Bootstrap(ctx context.Context, l *las.LAS) (*RootLocation, error) {
	ext, buf, err := l.Alloc(ctx, Size)
	if err != nil {
		return nil, fmt.Errorf("rootloc: bootstrap: %w", err)
	}
	hdr := vas.Header{
		PointersSize: 8,
		BodySize:     24,
		Version:      vas.Direct(1),
		Parent:       las.Null,
		Other:        las.Null,
	}
	vas.EncodeHeader(buf[:vas.HeaderSize], hdr)
	las.PutPointer(buf, offRootPointer, las.Null)
	las.PutPointer(buf, offLogHead, las.Null)
	return &RootLocation{l: l, ext: ext, rel: 0}, nil
}

// Open resolves an existing Root Location at offset, reading it into
// residency so its two pointer slots are attachable to transactions.
func Open(ctx context.Context, l *las.LAS, offset uint64) (*RootLocation, error) {
	if _, err := l.Read(ctx, las.LogicalSlice{Offset: offset, Length: Size}).Get(ctx); err != nil {
		return nil, fmt.Errorf("rootloc: open at %d: %w", offset, err)
	}
	ext, rel, ok := l.ResolveOffset(offset)
	if !ok {
		return nil, fmt.Errorf("rootloc: open at %d: extent not resolvable after read", offset)
	}
	return &RootLocation{l: l, ext: ext, rel: rel}, nil
}

// Offset is the Root Location's own absolute LAS address, the value callers
// persist out-of-band (e.g. in each Source's superblock) to find it again
// on reopen.
func (r *RootLocation) Offset() uint64 { return r.ext.Slice.Offset + r.rel }

// RootSlot is the pointer-sized slot naming the root object, swappable by
// a Transaction's Alloc/Write operations like any other slot.
func (r *RootLocation) RootSlot() las.Slot {
	return las.Slot{Ext: r.ext, RelOffset: r.rel + offRootPointer}
}

// LogChainSlot is the pointer-sized slot naming the head of the durable log
// chain.
func (r *RootLocation) LogChainSlot() las.Slot {
	return las.Slot{Ext: r.ext, RelOffset: r.rel + offLogHead}
}

// LinkLogChain implements durability staging step 5: once a transaction's
// durability future resolves, its log chain's head extent offset is written
// into the Root Location and the region is flushed. The slot's previous
// value is replaced; the new head's next field is not set to the previous
// head, so Recover reaches only the most recently linked log.
func (r *RootLocation) LinkLogChain(ctx context.Context, headOffset uint64) error {
	slot := r.LogChainSlot()
	old := slot.Load(r.l)
	newPtr := las.NewIndirect(headOffset, las.KindLogEntry)
	if !slot.CAS(r.l, old, newPtr) {
		return fmt.Errorf("rootloc: concurrent log-chain link race at offset %d", r.Offset())
	}
	return r.l.FlushExtent(ctx, r.ext)
}
