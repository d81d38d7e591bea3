package las

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/heaplane/heaplane/internal/buddy"
	"github.com/heaplane/heaplane/internal/future"
	"github.com/heaplane/heaplane/internal/herrors"
	"github.com/heaplane/heaplane/internal/logging"
	"github.com/heaplane/heaplane/internal/metrics"
	"github.com/heaplane/heaplane/internal/source"
)

// Callbacks are the upper-layer (VAS) hooks LAS invokes, since only VAS
// knows where pointers live within a given extent's payload (§4.2, §6).
type Callbacks struct {
	// LocatePointers returns the byte offsets, relative to the extent's
	// start, of every pointer slot within extent's current bytes.
	LocatePointers func(extentBytes []byte) []uint64

	// CopyLiveInto asks VAS to copy every live object found across src
	// extents into dst, for compaction (§4.2 step b).
	CopyLiveInto func(dst []byte, src [][]byte) error

	// RewritePointerAfterMove asks VAS to repoint every slot that referenced
	// oldOffset at newOffset, after a compaction move (§4.2 step c).
	RewritePointerAfterMove func(oldOffset, newOffset uint64) error

	// StampHasReaders asks VAS whether any live reader could still observe
	// the version in effect when stamp was recorded (§4.2, §4.3).
	StampHasReaders func(stamp uint64) bool
}

// extentEntry is LAS's runtime record for one extent: its buddy-allocated
// slice, which Source it lives in, its lifecycle state, and (if
// byte-addressable and materialized) the in-process bytes standing in for a
// VolatileByteAddr target.
type extentEntry struct {
	mu    sync.Mutex
	ext   Extent
	bytes []byte // non-nil iff materialized on a byte-addressable tier
}

// extentSpan is the ordered-index key letting Read locate the extent that
// contains an arbitrary sub-offset: VAS's Object Allocator bump-allocates
// several objects inside one extent, so a Pointer's Indirect payload often
// names a byte strictly inside an extent rather than its base (§3, §4.3).
type extentSpan struct {
	offset uint64
	length uint64
}

func extentSpanLess(a, b extentSpan) bool { return a.offset < b.offset }

// LAS federates per-Source buddy allocators into one logical address space.
type LAS struct {
	mu      sync.RWMutex
	sources []*sourceSlot
	extents map[uint64]*extentEntry // keyed by LAS offset

	pagetable   *Pagetable
	extentIndex *btree.BTreeG[extentSpan]
	eviction    []*EvictionCandidates // one per source, index-aligned with sources
	compaction  *CompactionCandidates
	updateLog   *UpdateLog

	materializing singleflight.Group
	callbacks     Callbacks
	stampCounter  atomic.Uint64

	// recentEvictions is a small ring of the slow/persistent twins most
	// recently evicted from a byte-addressable tier, giving the promoter
	// worker something concrete to re-warm (§4.2's "second chance").
	recentEvictions []LogicalSlice

	log interface {
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}
}

// New constructs a LAS federating the given sources, each assigned a
// contiguous region of the 56-bit logical address space in the order given.
// Overlapping slices at open time is a hard error (§3).
func New(sources []source.Source, minExtent uint64, cb Callbacks) (*LAS, error) {
	l := &LAS{
		extents:     make(map[uint64]*extentEntry),
		pagetable:   NewPagetable(),
		extentIndex: btree.NewBTreeG(extentSpanLess),
		compaction:  NewCompactionCandidates(),
		callbacks:   cb,
		log:         logging.Component("las"),
	}
	var cursor uint64
	for i, s := range sources {
		if err := source.Validate(s); err != nil {
			return nil, fmt.Errorf("las: source %d: %w", i, err)
		}
		base := s.AssignedSliceOffset()
		if base < cursor {
			return nil, fmt.Errorf("las: source %d slice at %d overlaps previous slice ending at %d", i, base, cursor)
		}
		alloc, err := buddy.New(base, s.Capacity(), minExtent)
		if err != nil {
			return nil, fmt.Errorf("las: source %d: %w", i, err)
		}
		l.sources = append(l.sources, &sourceSlot{src: s, allocator: alloc, base: base, tier: s.TierRank()})
		l.eviction = append(l.eviction, NewEvictionCandidates(evictionSampleSize(s.Capacity(), minExtent)))
		cursor = base + s.Capacity()
	}
	l.updateLog = newUpdateLog(l, int64(max(4, len(sources)*2)))
	return l, nil
}

const (
	// backgroundTickInterval paces every maintenance worker's poll loop.
	backgroundTickInterval = 200 * time.Millisecond
	// compactionTargetExtent is the merged-extent size the compactor aims
	// for each round; compactionMinCandidates is §4.2's "N" threshold.
	compactionTargetExtent  = 64 << 10
	compactionMinCandidates = 4
	// maxRecentEvictions bounds the promoter's re-warm queue.
	maxRecentEvictions = 64
)

func evictionSampleSize(capacity, minExtent uint64) int {
	n := int(capacity / minExtent / 10) // ~10% of extents, per §4.2
	if n < 8 {
		n = 8
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// registerSpan indexes a newly created extent so Read can later locate it by
// any offset inside [offset, offset+length), not just its base.
func (l *LAS) registerSpan(offset, length uint64) {
	l.extentIndex.Set(extentSpan{offset: offset, length: length})
}

func (l *LAS) unregisterSpan(offset uint64) {
	l.extentIndex.Delete(extentSpan{offset: offset})
}

// findSpan locates the extent span containing offset, if any.
func (l *LAS) findSpan(offset uint64) (extentSpan, bool) {
	var found extentSpan
	var ok bool
	l.extentIndex.Descend(extentSpan{offset: offset, length: ^uint64(0)}, func(s extentSpan) bool {
		if offset < s.offset+s.length {
			found, ok = s, true
		}
		return false
	})
	return found, ok
}

// sourceFor returns the slot at idx, without bounds checking beyond what the
// caller (LAS itself) already guarantees.
func (l *LAS) sourceFor(idx int) *sourceSlot { return l.sources[idx] }

func (l *LAS) sourceIndexForOffset(offset uint64) int {
	for i := len(l.sources) - 1; i >= 0; i-- {
		if offset >= l.sources[i].base {
			return i
		}
	}
	return 0
}

// fastestPersistentByteAddressable returns the index of the fastest
// (lowest TierRank) source that is both persistent and byte-addressable, or
// -1 if none exists.
func (l *LAS) fastestPersistentByteAddressable() int {
	best := -1
	for i, s := range l.sources {
		c := s.src.Capabilities()
		if !c.Persistent || !c.ByteAddressable {
			continue
		}
		if best == -1 || s.tier < l.sources[best].tier {
			best = i
		}
	}
	return best
}

// fastestVolatile returns the index of the fastest purely-volatile source.
func (l *LAS) fastestVolatile() int {
	best := -1
	for i, s := range l.sources {
		if s.src.Capabilities().Persistent {
			continue
		}
		if best == -1 || s.tier < l.sources[best].tier {
			best = i
		}
	}
	return best
}

// fastestByteAddressable returns the index of the fastest byte-addressable
// source regardless of persistence (used when materializing a read).
func (l *LAS) fastestByteAddressable() int {
	best := -1
	for i, s := range l.sources {
		if !s.src.Capabilities().ByteAddressable {
			continue
		}
		if best == -1 || s.tier < l.sources[best].tier {
			best = i
		}
	}
	return best
}

// Alloc returns an extent on the fastest available persistent
// byte-addressable tier, falling back to the fastest volatile tier if none
// is persistent (§4.2). The returned slice aliases the extent's bytes in the
// owning Source. It is not the only mutable view: ExtentBytes returns the
// same bytes, and there is no publish step that restricts later views to
// read-only ones.
func (l *LAS) Alloc(ctx context.Context, size uint64) (Extent, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.fastestPersistentByteAddressable()
	state := StateLivePersistentNative
	if idx == -1 {
		idx = l.fastestVolatile()
		state = StateLiveVolatile
	}
	if idx == -1 {
		return Extent{}, nil, herrors.ErrOutOfSpace
	}
	slot := l.sources[idx]
	slice, err := slot.allocator.Allocate(size)
	if err != nil {
		if freed := l.reclaim(ctx, idx, size); !freed {
			return Extent{}, nil, herrors.ErrOutOfSpace
		}
		slice, err = slot.allocator.Allocate(size)
		if err != nil {
			return Extent{}, nil, herrors.ErrOutOfSpace
		}
	}
	ext := Extent{Slice: slice, SourceIdx: idx, State: state}
	buf := slot.byteView(slice.Offset, slice.Length)
	l.extents[slice.Offset] = &extentEntry{ext: ext, bytes: buf}
	l.registerSpan(slice.Offset, slice.Length)
	return ext, buf, nil
}

// byteView returns the portion of src's own backing storage spanning
// [offset, offset+length) in the federated address space, so that writes
// into the returned slice land on bytes FlushExtent will actually persist.
// Panics if src reports a shorter Bytes() view than its declared Capacity,
// since that would silently corrupt every extent past the gap.
func (s *sourceSlot) byteView(offset, length uint64) []byte {
	raw := s.src.Bytes()
	if raw == nil {
		return make([]byte, length) // not byte-addressable; caller tracks state accordingly
	}
	rel := offset - s.base
	if rel+length > uint64(len(raw)) {
		herrors.Invariant("extent [%d,%d) exceeds source %d's backing storage of %d bytes", offset, offset+length, s.base, len(raw))
	}
	return raw[rel : rel+length]
}

// hasReaders reports whether stamp is still visible to some live reader,
// treating an unset callback (no VAS wired up yet) as "no readers" rather
// than panicking, since background workers may tick before SetCallbacks.
func (l *LAS) hasReaders(stamp uint64) bool {
	l.mu.RLock()
	cb := l.callbacks.StampHasReaders
	l.mu.RUnlock()
	if cb == nil {
		return false
	}
	return cb(stamp)
}

// reclaim attempts to free enough contiguous space on source idx via the
// eviction-candidate map, per §4.2's allocation-under-pressure algorithm.
func (l *LAS) reclaim(ctx context.Context, idx int, size uint64) bool {
	ec := l.eviction[idx]
	if slice, ok := ec.PopSufficient(size, l.hasReaders); ok {
		l.releaseExtent(ctx, idx, slice)
		return true
	}
	buddyOf := func(s LogicalSlice) LogicalSlice {
		return LogicalSlice{Offset: s.Offset ^ s.Length, Length: s.Length}
	}
	if a, b, ok := ec.PopLargestWithBuddy(l.hasReaders, buddyOf); ok {
		l.releaseExtent(ctx, idx, a)
		l.releaseExtent(ctx, idx, b)
		return true
	}
	return false
}

// releaseExtent returns a previously-mapped extent's backing storage to its
// Source Allocator and drops LAS's bookkeeping for it. If the evicted extent
// was a materialized copy of a slower persistent twin, that twin is queued
// for the promoter worker to consider re-warming later.
func (l *LAS) releaseExtent(_ context.Context, idx int, slice LogicalSlice) {
	if err := l.sources[idx].allocator.Free(slice); err != nil {
		l.log.Warn("free during reclaim failed", "err", err)
	}
	delete(l.extents, slice.Offset)
	l.unregisterSpan(slice.Offset)
	if slow, ok := l.pagetable.Lookup(slice); ok {
		l.noteEviction(slow)
	}
	l.pagetable.Delete(slice)
	l.compaction.Clear(slice)
}

// noteEviction records slow as a candidate for the promoter worker to
// re-warm, dropping the oldest entry once the ring is full.
func (l *LAS) noteEviction(slow LogicalSlice) {
	l.recentEvictions = append(l.recentEvictions, slow)
	if len(l.recentEvictions) > maxRecentEvictions {
		l.recentEvictions = l.recentEvictions[len(l.recentEvictions)-maxRecentEvictions:]
	}
}

// Read resolves a LogicalSlice — which may name a whole extent or a
// sub-range bump-allocated inside one (an individual VAS object) — to a byte
// view. If the owning extent is already byte-addressable in this process, it
// resolves immediately; otherwise LAS materializes the whole extent from its
// persistent twin on the fastest available tier, installs the pagetable
// entry, and swizzles the pointer slots locatePointers reports (§4.2).
func (l *LAS) Read(ctx context.Context, slice LogicalSlice) *future.Future[[]byte] {
	l.mu.RLock()
	span, spanOK := l.findSpan(slice.Offset)
	var entry *extentEntry
	if spanOK {
		entry = l.extents[span.offset]
	}
	l.mu.RUnlock()

	if !spanOK {
		return future.Failed[[]byte](fmt.Errorf("las: read at %d: no extent contains this offset", slice.Offset))
	}
	if slice.Offset+slice.Length > span.offset+span.length {
		herrors.Invariant("read at %d,%d crosses extent boundary [%d,%d)", slice.Offset, slice.Length, span.offset, span.offset+span.length)
	}
	relOffset := slice.Offset - span.offset

	if entry != nil {
		entry.mu.Lock()
		if entry.bytes != nil {
			if stamp, popped := l.eviction[entry.ext.SourceIdx].Remove(entry.ext.Slice); popped {
				_ = stamp // extent was a candidate; a read returns it to the reader (§4.2)
			}
			view := make([]byte, slice.Length)
			copy(view, entry.bytes[relOffset:relOffset+slice.Length])
			entry.mu.Unlock()
			return future.Resolved(view)
		}
		entry.mu.Unlock()
	}

	// Not resident on a byte-addressable tier: materialize the whole extent,
	// deduplicating concurrent materializations of the same span via
	// singleflight, which directly implements Testable Property 8
	// (at-most-one materialization).
	key := fmt.Sprintf("%d:%d", span.offset, span.length)
	f, p := future.New[[]byte]()
	go func() {
		v, err, shared := l.materializing.Do(key, func() (any, error) {
			return l.materialize(ctx, span)
		})
		if shared {
			metrics.MaterializationDedup.Inc()
		}
		if err != nil {
			p.Reject(err)
			return
		}
		full := v.([]byte)
		view := make([]byte, slice.Length)
		copy(view, full[relOffset:relOffset+slice.Length])
		p.Resolve(view)
	}()
	return f
}

// materialize performs the actual fetch-and-promote described in §4.2: it
// allocates a byte-addressable extent on the fastest available tier, reads
// bytes from the persistent source backing span (which may itself chain
// through a block tier), installs the pagetable twin, and swizzles pointers
// in the newly-materialized copy via the VAS callback.
func (l *LAS) materialize(ctx context.Context, span extentSpan) ([]byte, error) {
	l.mu.Lock()
	srcIdx := l.sourceIndexForOffset(span.offset)
	slot := l.sources[srcIdx]
	l.mu.Unlock()

	raw, err := slot.src.Read(ctx, span.offset-slot.base, span.length)
	if err != nil {
		return nil, herrors.IO("materialize read", err)
	}

	l.mu.Lock()
	destIdx := l.fastestByteAddressable()
	if destIdx == -1 {
		l.mu.Unlock()
		return nil, herrors.ErrOutOfSpace
	}
	destSlot := l.sources[destIdx]
	newSlice, err := destSlot.allocator.Allocate(span.length)
	if err != nil {
		l.mu.Unlock()
		return nil, herrors.ErrOutOfSpace
	}
	dst := destSlot.byteView(newSlice.Offset, newSlice.Length)
	copy(dst, raw)
	ext := Extent{Slice: newSlice, SourceIdx: destIdx, State: StateLiveMirrored}
	entry := &extentEntry{ext: ext, bytes: dst}
	l.extents[newSlice.Offset] = entry
	l.registerSpan(newSlice.Offset, newSlice.Length)
	l.pagetable.Set(newSlice, LogicalSlice{Offset: span.offset, Length: span.length})
	l.mu.Unlock()

	l.swizzleMaterialized(ext, dst)

	if slot.tier != TierDRAM() {
		metrics.Promotions.WithLabelValues(slot.tier.String(), destSlot.tier.String()).Inc()
	}
	return dst, nil
}

// TierDRAM is exported as a function (not a const re-export) to keep the
// source package the single owner of tier identity.
func TierDRAM() source.Tier { return source.TierDRAM }

// Swizzle rewrites the pointer word at the given slot (identified by its
// owning extent + relative offset) from Indirect form to a VolatileByteAddr
// naming newAddr directly, after materialization (§4.2). kind is written as
// given; swizzleMaterialized passes the slot's prior Indirect kind.
func (l *LAS) Swizzle(ext Extent, relOffset uint64, newAddr uintptr, kind Kind) {
	l.mu.RLock()
	entry, ok := l.extents[ext.Slice.Offset]
	l.mu.RUnlock()
	if !ok {
		herrors.Invariant("swizzle on unknown extent %d", ext.Slice.Offset)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if relOffset+8 > uint64(len(entry.bytes)) {
		herrors.Invariant("swizzle slot at %d crosses extent boundary", relOffset)
	}
	p := NewVolatile(newAddr, kind)
	putPointer(entry.bytes, relOffset, p)
}

// swizzleMaterialized walks every pointer slot VAS locates inside a
// freshly-materialized extent's bytes and, for each one still in Indirect
// form whose target extent already happens to be resident on a
// byte-addressable tier, rewrites it to a direct VolatileByteAddr into that
// target's live memory (§4.2: "LAS updates each slot to the freshly
// materialized VolatileByteAddr"). A target that is not yet resident is left
// Indirect; it swizzles on its own later materialization instead.
func (l *LAS) swizzleMaterialized(ext Extent, dst []byte) {
	if l.callbacks.LocatePointers == nil {
		return
	}
	for _, relOffset := range l.callbacks.LocatePointers(dst) {
		if relOffset+8 > uint64(len(dst)) {
			continue
		}
		cur := GetPointer(dst, relOffset)
		if cur.Tag() != TagIndirect {
			continue
		}
		targetExt, targetRel, ok := l.ResolveOffset(cur.IndirectOffset())
		if !ok {
			continue
		}
		targetBytes, resident := l.ExtentBytes(targetExt)
		if !resident || targetRel >= uint64(len(targetBytes)) {
			continue
		}
		addr := uintptr(unsafe.Pointer(&targetBytes[targetRel]))
		l.Swizzle(ext, relOffset, addr, cur.Kind())
	}
}

func putPointer(b []byte, off uint64, p Pointer) { PutPointer(b, off, p) }

// OffsetForResidentAddr reverse-resolves a VolatileByteAddr's virtual
// address back to its LAS logical offset, by finding the materialized
// extent whose bytes contain it. VAS's VersionedReader uses this to recover
// the logical offset a swizzled slot stands in for, since the version-chain
// walk and StampHasReaders both operate on LAS offsets, not raw addresses.
func (l *LAS) OffsetForResidentAddr(addr uintptr) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.extents {
		entry.mu.Lock()
		buf := entry.bytes
		entry.mu.Unlock()
		if len(buf) == 0 {
			continue
		}
		start := uintptr(unsafe.Pointer(&buf[0]))
		end := start + uintptr(len(buf))
		if addr >= start && addr < end {
			return entry.ext.Slice.Offset + uint64(addr-start), true
		}
	}
	return 0, false
}

// UpdateLog exposes the in-place update pipeline for the transaction engine.
func (l *LAS) UpdateLog() *UpdateLog { return l.updateLog }

// SetCallbacks installs VAS's upper-layer hooks after construction, letting
// callers build VAS atop an already-constructed LAS (VAS needs a LAS
// reference; LAS needs VAS's callbacks — this setter breaks the cycle
// instead of requiring a forward-declared pointer cell).
func (l *LAS) SetCallbacks(cb Callbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = cb
}

// ResolveOffset reports the extent owning offset and offset's position
// relative to that extent's start, so VAS can place new objects by bumping
// within an already-allocated extent and later resolve their pointers.
func (l *LAS) ResolveOffset(offset uint64) (ext Extent, relOffset uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	span, found := l.findSpan(offset)
	if !found {
		return Extent{}, 0, false
	}
	entry, found := l.extents[span.offset]
	if !found {
		return Extent{}, 0, false
	}
	return entry.ext, offset - span.offset, true
}

// LoadPointer atomically reads the 8-byte pointer word at ext's relOffset.
// ext must already be resident (materialized on a byte-addressable tier).
func (l *LAS) LoadPointer(ext Extent, relOffset uint64) Pointer {
	buf, ok := l.ExtentBytes(ext)
	if !ok || relOffset+8 > uint64(len(buf)) {
		herrors.Invariant("load of unresident or out-of-bounds slot at %d", relOffset)
	}
	addr := (*uint64)(unsafe.Pointer(&buf[relOffset]))
	return Pointer(atomic.LoadUint64(addr))
}

// CASPointer atomically compares-and-swaps the 8-byte pointer word at ext's
// relOffset. This is the primitive writers use to win or lose a slot: "writers
// serialize only on slot-level atomic swaps" (§5, §4.5).
func (l *LAS) CASPointer(ext Extent, relOffset uint64, old, new Pointer) bool {
	buf, ok := l.ExtentBytes(ext)
	if !ok || relOffset+8 > uint64(len(buf)) {
		herrors.Invariant("CAS on unresident or out-of-bounds slot at %d", relOffset)
	}
	addr := (*uint64)(unsafe.Pointer(&buf[relOffset]))
	return atomic.CompareAndSwapUint64(addr, uint64(old), uint64(new))
}

// FlushExtent flushes ext's byte range on its owning Source, the durability
// pipeline's repeated "flush this extent" step (§4.5).
func (l *LAS) FlushExtent(ctx context.Context, ext Extent) error {
	slot := l.sourceFor(ext.SourceIdx)
	return slot.src.Flush(ctx, ext.Slice.Offset-slot.base, ext.Slice.Length)
}

// FenceSource issues an ordering barrier on the source at idx, durability
// staging step 3 (§4.5: "store fence on PMEM; device flush on block").
func (l *LAS) FenceSource(ctx context.Context, idx int) error {
	return l.sourceFor(idx).src.Fence(ctx)
}

// ExtentBytes returns the live, materialized backing bytes for ext, if
// resident on a byte-addressable tier. Used by VAS's Object Allocator to
// place new objects directly, and by the VersionedReader to inspect headers
// already known to be resident without paying a future round-trip.
func (l *LAS) ExtentBytes(ext Extent) ([]byte, bool) {
	l.mu.RLock()
	entry, ok := l.extents[ext.Slice.Offset]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.bytes, entry.bytes != nil
}

// Compaction runs one compaction round against idx's tier if enough
// candidates have accumulated, per §4.2 steps (a)-(d).
func (l *LAS) Compaction(ctx context.Context, sourceIdx int, targetExtentSize uint64, minCandidates int) error {
	batch := l.compaction.Batch(sourceIdx, targetExtentSize, minCandidates)
	if batch == nil {
		return nil
	}
	l.mu.Lock()
	slot := l.sources[sourceIdx]
	newSlice, err := slot.allocator.Allocate(targetExtentSize)
	if err != nil {
		l.mu.Unlock()
		// Put the candidates back; we could not make room for the merge.
		for _, s := range batch {
			l.compaction.Report(s, sourceIdx, 1)
		}
		return herrors.ErrOutOfSpace
	}
	dst := slot.byteView(newSlice.Offset, newSlice.Length)
	var srcBufs [][]byte
	for _, s := range batch {
		if e, ok := l.extents[s.Offset]; ok {
			srcBufs = append(srcBufs, e.bytes)
		}
	}
	l.mu.Unlock()

	if l.callbacks.CopyLiveInto != nil {
		if err := l.callbacks.CopyLiveInto(dst, srcBufs); err != nil {
			return fmt.Errorf("compaction copy-live-into: %w", err)
		}
	}
	if l.callbacks.RewritePointerAfterMove != nil {
		for _, s := range batch {
			if err := l.callbacks.RewritePointerAfterMove(s.Offset, newSlice.Offset); err != nil {
				return fmt.Errorf("compaction rewrite-pointer: %w", err)
			}
		}
	}

	l.mu.Lock()
	for _, s := range batch {
		if err := slot.allocator.Free(s); err != nil {
			l.log.Warn("free of merged-away extent failed", "err", err)
		}
		delete(l.extents, s.Offset)
		l.unregisterSpan(s.Offset)
		l.pagetable.Delete(s)
	}
	l.extents[newSlice.Offset] = &extentEntry{
		ext:   Extent{Slice: newSlice, SourceIdx: sourceIdx, State: StateLivePersistentNative},
		bytes: dst,
	}
	l.registerSpan(newSlice.Offset, newSlice.Length)
	l.mu.Unlock()

	stamp := l.stampCounter.Add(1)
	for _, s := range batch {
		l.eviction[sourceIdx].Add(s, stamp)
	}
	metrics.Compactions.Inc()
	return nil
}

// RunBackgroundWorkers launches the promotion/eviction/compaction/log-drain
// workers on an errgroup, one evictor and one compactor per source plus a
// shared log-drainer and promoter, returning once ctx is cancelled or any
// worker returns a fatal error (§5: work dispatched to a thread pool for I/O).
func (l *LAS) RunBackgroundWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range l.sources {
		idx := i
		g.Go(func() error { return l.runEvictor(ctx, idx) })
		g.Go(func() error { return l.runCompactor(ctx, idx) })
	}
	g.Go(func() error { return l.runLogDrainer(ctx) })
	g.Go(func() error { return l.runPromoter(ctx) })
	return g.Wait()
}

// runWorker is the common poll loop every background worker rides: log
// start/stop, tick at backgroundTickInterval, log (not fail) any error a
// single round produces, and return cleanly on cancellation.
func (l *LAS) runWorker(ctx context.Context, name string, tick func(context.Context) error) error {
	l.log.Info("background worker starting", "worker", name)
	defer l.log.Info("background worker stopped", "worker", name)
	ticker := time.NewTicker(backgroundTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				l.log.Error("background worker round failed", "worker", name, "err", err)
			}
		}
	}
}

// runEvictor periodically pops the source's smallest reclaimable candidate
// and releases it, the proactive half of reclaim's reactive allocation-
// pressure path (§4.2).
func (l *LAS) runEvictor(ctx context.Context, idx int) error {
	name := fmt.Sprintf("evictor[%d]", idx)
	return l.runWorker(ctx, name, func(ctx context.Context) error {
		slice, ok := l.eviction[idx].PopSufficient(1, l.hasReaders)
		if !ok {
			return nil
		}
		l.mu.Lock()
		l.releaseExtent(ctx, idx, slice)
		l.mu.Unlock()
		return nil
	})
}

// runCompactor periodically asks whether idx's tier has accumulated enough
// compaction candidates for a merge round, giving LAS.Compaction its
// production caller (§4.2 steps (a)-(d)).
func (l *LAS) runCompactor(ctx context.Context, idx int) error {
	name := fmt.Sprintf("compactor[%d]", idx)
	return l.runWorker(ctx, name, func(ctx context.Context) error {
		return l.Compaction(ctx, idx, compactionTargetExtent, compactionMinCandidates)
	})
}

// runLogDrainer periodically re-submits any extent bucket whose updates are
// still queued, a safety net for any Submit whose own drain goroutine lost
// the race against a context cancellation (§4.2's drain worker).
func (l *LAS) runLogDrainer(ctx context.Context) error {
	return l.runWorker(ctx, "log-drainer", func(ctx context.Context) error {
		l.updateLog.DrainPending(ctx)
		return nil
	})
}

// runPromoter periodically re-reads the oldest still-queued recently-evicted
// extent, re-materializing it onto the fastest tier if it turns out still
// wanted — giving cold data evicted under pressure a genuine second chance
// instead of staying cold until the next explicit request (§4.2).
func (l *LAS) runPromoter(ctx context.Context) error {
	return l.runWorker(ctx, "promoter", func(ctx context.Context) error {
		l.mu.Lock()
		if len(l.recentEvictions) == 0 {
			l.mu.Unlock()
			return nil
		}
		next := l.recentEvictions[0]
		l.recentEvictions = l.recentEvictions[1:]
		l.mu.Unlock()

		_, err := l.Read(ctx, next).Get(ctx)
		return err
	})
}
