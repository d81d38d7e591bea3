package vas

import (
	"context"
	"fmt"

	"github.com/heaplane/heaplane/internal/las"
)

// readHeaderAt resolves ptr (always TagIndirect for header-to-header links;
// §3 says version chains are linked via LAS offsets) to the HeaderSize bytes
// at its target and decodes them.
func readHeaderAt(ctx context.Context, l *las.LAS, ptr las.Pointer) (Header, error) {
	if ptr.IsNull() {
		return Header{}, fmt.Errorf("vas: readHeaderAt called with a null pointer")
	}
	slice := las.LogicalSlice{Offset: ptr.IndirectOffset(), Length: HeaderSize}
	b, err := l.Read(ctx, slice).Get(ctx)
	if err != nil {
		return Header{}, fmt.Errorf("vas: reading header at %d: %w", ptr.IndirectOffset(), err)
	}
	return DecodeHeader(b), nil
}

// resolveVersion dereferences an indirect version cell — the log-owned word
// commit() stamps with the transaction's assigned version number — and
// returns Uncommitted if the owning transaction has not committed yet.
func resolveVersion(ctx context.Context, l *las.LAS, v Version) (Version, error) {
	if !v.IsIndirect() {
		return v, nil
	}
	slice := las.LogicalSlice{Offset: v.Cell(), Length: 8}
	b, err := l.Read(ctx, slice).Get(ctx)
	if err != nil {
		return Uncommitted, fmt.Errorf("vas: resolving version cell at %d: %w", v.Cell(), err)
	}
	cell := las.GetPointer(b, 0)
	return Version(cell), nil
}

// Visible walks the version chain starting at (startOffset, start) — the
// object's newest header — looking for the newest version whose stamped
// number is <= asOf and != Uncommitted, per §3 ("version chains:
// newest-to-oldest via other"). It returns that version's own LAS offset
// alongside its header, since an older version in the chain lives at a
// different offset than the slot the caller originally dereferenced.
// Scenario S3 in the acceptance corpus depends on this skipping versions
// written after the reader's snapshot was taken.
func Visible(ctx context.Context, l *las.LAS, startOffset uint64, start Header, asOf uint64) (uint64, Header, bool, error) {
	offset, h := startOffset, start
	for {
		v, err := resolveVersion(ctx, l, h.Version)
		if err != nil {
			return 0, Header{}, false, err
		}
		if v != Uncommitted && v.Number() <= asOf {
			return offset, h, true, nil
		}
		if h.Other.IsNull() {
			return 0, Header{}, false, nil
		}
		offset = h.Other.IndirectOffset()
		h, err = readHeaderAt(ctx, l, h.Other)
		if err != nil {
			return 0, Header{}, false, err
		}
	}
}

// LinkNewVersion splices a freshly written header (newHdr, not yet visible —
// its Version is still indirect) in front of the chain that previously began
// at oldOffset: newHdr.Other must already equal NewIndirect(oldOffset, ...),
// and the old header's Parent must be repointed at the new header so
// forward (oldest-to-newest) traversal stays intact (§3, §4.5 "insert a new
// version").
func LinkNewVersion(ctx context.Context, l *las.LAS, newOffset, oldOffset uint64) error {
	oldSlice := las.LogicalSlice{Offset: oldOffset, Length: HeaderSize}
	b, err := l.Read(ctx, oldSlice).Get(ctx)
	if err != nil {
		return fmt.Errorf("vas: repointing parent: reading old header at %d: %w", oldOffset, err)
	}
	old := DecodeHeader(b)
	old.Parent = las.NewIndirect(newOffset, las.KindObject)
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, old)
	done := l.UpdateLog().Submit(ctx, extentForHeader(l, oldOffset), oldOffset-extentBase(l, oldOffset), buf)
	_, err = done.Get(ctx)
	return err
}

func extentForHeader(l *las.LAS, offset uint64) las.Extent {
	ext, _, _ := l.ResolveOffset(offset)
	return ext
}

func extentBase(l *las.LAS, offset uint64) uint64 {
	ext, _, _ := l.ResolveOffset(offset)
	return ext.Slice.Offset
}
