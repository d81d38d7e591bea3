package vas

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/logging"
)

// VAS is the Versioned Address Space: it owns the global version counter,
// the live-reader registry that gates eviction/compaction of superseded
// versions, and the las.Callbacks implementation that lets LAS stay
// ignorant of object layout (§3, §4.2, §4.4).
type VAS struct {
	las *las.LAS

	versionCounter atomic.Uint64 // last version number handed out by a commit

	mu      sync.Mutex
	readers map[*VersionedReader]struct{}

	objectAllocExtentSize uint64
	logAllocExtentSize    uint64

	log interface {
		Info(string, ...any)
		Warn(string, ...any)
	}
}

// Options configures a VAS instance.
type Options struct {
	// ObjectAllocExtentSize is the extent size requested by per-transaction
	// Object Allocators (§4.3).
	ObjectAllocExtentSize uint64
	// LogAllocExtentSize is the extent size requested by per-transaction Log
	// Allocators (§4.3).
	LogAllocExtentSize uint64
}

// New wires a VAS atop an already-constructed LAS. The LAS may be
// constructed with empty Callbacks; the caller then installs VAS's hooks
// with l.SetCallbacks(v.Callbacks()).
func New(l *las.LAS, opts Options) *VAS {
	if opts.ObjectAllocExtentSize == 0 {
		opts.ObjectAllocExtentSize = 1 << 16
	}
	if opts.LogAllocExtentSize == 0 {
		opts.LogAllocExtentSize = 1 << 16
	}
	return &VAS{
		las:                   l,
		readers:               make(map[*VersionedReader]struct{}),
		objectAllocExtentSize: opts.ObjectAllocExtentSize,
		logAllocExtentSize:    opts.LogAllocExtentSize,
		log:                   logging.Component("vas"),
	}
}

// Callbacks builds the las.Callbacks VAS needs LAS to invoke. Callers
// install the result on the already-constructed LAS with LAS.SetCallbacks,
// which is how heaplane.Open breaks the LAS/VAS construction cycle.
func (v *VAS) Callbacks() las.Callbacks {
	return las.Callbacks{
		LocatePointers:          v.locatePointersIn,
		CopyLiveInto:            v.copyLiveInto,
		RewritePointerAfterMove: v.rewritePointerAfterMove,
		StampHasReaders:         v.stampHasReaders,
	}
}

// locatePointersIn decodes the first object header at the start of a
// materialized extent and reports its pointer slot offsets. Extents that
// bump-pack more than one object only have their first object's pointers
// reported; pointer slots of later objects in the same extent are never
// swizzled and stay in Indirect form, which VersionedReader resolves
// through LAS offsets.
func (v *VAS) locatePointersIn(extentBytes []byte) []uint64 {
	if len(extentBytes) < HeaderSize {
		return nil
	}
	h := DecodeHeader(extentBytes)
	return PointerSlots(h)
}

// copyLiveInto concatenates every source extent's live bytes into dst
// sequentially, for compaction (§4.2 step b). This module does not track
// per-object liveness finer than "the whole extent is still a compaction
// candidate", so it copies whole extents, dead space included. VAS makes no
// occupancy reports to LAS (it never calls CompactionCandidates.Report).
func (v *VAS) copyLiveInto(dst []byte, src [][]byte) error {
	var off int
	for _, s := range src {
		n := copy(dst[off:], s)
		off += n
	}
	return nil
}

// rewritePointerAfterMove is invoked once per moved extent's old base
// offset; a full implementation would walk a reverse-pointer index, but
// this module instead relies on VersionedReader always resolving through
// the pagetable twin LAS installs for moved extents, so no eager rewrite is
// required here beyond logging the move for observability.
func (v *VAS) rewritePointerAfterMove(oldOffset, newOffset uint64) error {
	v.log.Info("compaction moved extent", "old", oldOffset, "new", newOffset)
	return nil
}

func (v *VAS) stampHasReaders(stamp uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for r := range v.readers {
		if r.asOf >= stamp {
			return true
		}
	}
	return false
}

// NewReader opens a VersionedReader snapshotted at the VAS's current
// committed version (§4.4). The reader must be closed to let superseded
// versions it could have observed become reclaimable.
func (v *VAS) NewReader() *VersionedReader {
	r := &VersionedReader{vas: v, asOf: v.versionCounter.Load()}
	v.mu.Lock()
	v.readers[r] = struct{}{}
	v.mu.Unlock()
	return r
}

func (v *VAS) releaseReader(r *VersionedReader) {
	v.mu.Lock()
	delete(v.readers, r)
	v.mu.Unlock()
}

// NextVersion atomically increments and returns the next version number, the
// durability pipeline's commit step (§4.5).
func (v *VAS) NextVersion() uint64 { return v.versionCounter.Add(1) }

// CurrentVersion reports the last version number handed out.
func (v *VAS) CurrentVersion() uint64 { return v.versionCounter.Load() }

// NewObjectAllocator returns a fresh per-transaction Object Allocator.
func (v *VAS) NewObjectAllocator() *ObjectAllocator {
	return NewObjectAllocator(v.las, v.objectAllocExtentSize)
}

// NewLogAllocator returns a fresh per-transaction Log Allocator.
func (v *VAS) NewLogAllocator() *LogAllocator {
	return NewLogAllocator(v.las, v.logAllocExtentSize)
}

// LAS exposes the underlying LAS for packages (txn, rootloc) that need to
// submit in-place updates or read root-level slots directly.
func (v *VAS) LAS() *las.LAS { return v.las }

// ReadDirect reads the object at offset without passing through a
// VersionedReader's visibility walk — used by the transaction engine's
// Write and ReadForWrite, which must see the newest header regardless of
// commit state.
func (v *VAS) ReadDirect(ctx context.Context, offset uint64) (Header, []byte, error) {
	hb, err := v.las.Read(ctx, las.LogicalSlice{Offset: offset, Length: HeaderSize}).Get(ctx)
	if err != nil {
		return Header{}, nil, fmt.Errorf("vas: reading header at %d: %w", offset, err)
	}
	h := DecodeHeader(hb)
	total := uint64(HeaderSize) + uint64(h.PointersSize) + uint64(h.BodySize)
	full, err := v.las.Read(ctx, las.LogicalSlice{Offset: offset, Length: total}).Get(ctx)
	if err != nil {
		return Header{}, nil, fmt.Errorf("vas: reading body at %d: %w", offset, err)
	}
	return h, full[HeaderSize:], nil
}
