package vas

import (
	"context"
	"fmt"

	"github.com/heaplane/heaplane/internal/las"
)

// VersionedReader implements the read(slot) operation of §4.4: dereference
// a root/field slot, then walk the version chain for visibility as of the
// reader's snapshot. Log-entry indirection is not resolved: Read treats
// every Indirect payload, including a KindLogEntry one, as an object offset.
type VersionedReader struct {
	vas    *VAS
	asOf   uint64
	closed bool
}

// Read dereferences slot (a pointer word, e.g. a field inside a parent
// object or the root slot) and returns the payload bytes of the newest
// version visible at the reader's snapshot, along with that version's
// header (so callers can recurse into embedded pointers).
func (r *VersionedReader) Read(ctx context.Context, slot las.Pointer) (Header, []byte, error) {
	if r.closed {
		return Header{}, nil, fmt.Errorf("vas: read on a closed VersionedReader")
	}
	if slot.IsNull() {
		return Header{}, nil, fmt.Errorf("vas: read of a null pointer")
	}

	var offset uint64
	switch slot.Tag() {
	case las.TagIndirect:
		offset = slot.IndirectOffset()
	case las.TagVolatileByteAddr:
		// Swizzle plants the target's real process address here; recover the
		// logical offset it stands in for so the version-chain walk below
		// (which operates on LAS offsets, per §4.4) still applies unchanged.
		resolved, ok := r.vas.las.OffsetForResidentAddr(slot.VirtualAddress())
		if !ok {
			return Header{}, nil, fmt.Errorf("vas: swizzled pointer at %#x is no longer resident", slot.VirtualAddress())
		}
		offset = resolved
	default:
		return Header{}, nil, fmt.Errorf("vas: read of an unresolved self-relative pointer; caller must resolve PersistentByteAddr first")
	}

	hdrSlice := las.LogicalSlice{Offset: offset, Length: HeaderSize}
	hb, err := r.vas.las.Read(ctx, hdrSlice).Get(ctx)
	if err != nil {
		return Header{}, nil, fmt.Errorf("vas: reading object header at %d: %w", offset, err)
	}
	start := DecodeHeader(hb)

	visibleOffset, visible, ok, err := Visible(ctx, r.vas.las, offset, start, r.asOf)
	if err != nil {
		return Header{}, nil, err
	}
	if !ok {
		return Header{}, nil, fmt.Errorf("vas: no version of object at %d visible as of %d", offset, r.asOf)
	}

	total := uint64(HeaderSize) + uint64(visible.PointersSize) + uint64(visible.BodySize)
	objSlice := las.LogicalSlice{Offset: visibleOffset, Length: total}
	full, err := r.vas.las.Read(ctx, objSlice).Get(ctx)
	if err != nil {
		return Header{}, nil, fmt.Errorf("vas: reading object body at %d: %w", visibleOffset, err)
	}
	return visible, full[HeaderSize:], nil
}

// Close releases this reader's hold on its snapshot, letting any version
// stamped at or before asOf that is no longer the newest become eligible for
// eviction/compaction once no other reader needs it (§4.2 StampHasReaders).
func (r *VersionedReader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.vas.releaseReader(r)
}
