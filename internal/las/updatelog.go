package las

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/heaplane/heaplane/internal/future"
	"github.com/heaplane/heaplane/internal/logging"
)

// pendingUpdate is one queued in-place byte write, bucketed by extent.
type pendingUpdate struct {
	offset uint64 // absolute LAS offset; drain translates it to source-relative
	bytes  []byte
	done   *future.Promise[struct{}]
}

// extentBucket is the queue of pending updates for a single extent.
type extentBucket struct {
	mu      sync.Mutex
	pending []pendingUpdate
}

// UpdateLog is the in-place update log of §4.2: submissions are bucketed
// per-extent; a worker pool applies each bucket, updating the
// byte-addressable instance first (if any) so subsequent reads observe the
// change, then the persistent twin via the source's atomic-write primitive.
type UpdateLog struct {
	mu      sync.Mutex
	buckets map[uint64]*extentBucket // keyed by extent base offset
	sem     *semaphore.Weighted
	las     *LAS
	log     interface {
		Info(string, ...any)
		Warn(string, ...any)
	}
}

func newUpdateLog(l *LAS, maxInFlight int64) *UpdateLog {
	return &UpdateLog{
		buckets: make(map[uint64]*extentBucket),
		sem:     semaphore.NewWeighted(maxInFlight),
		las:     l,
		log:     logging.Component("updatelog"),
	}
}

// Submit queues newBytes to be written in place at relOffset within ext,
// bucketed by ext. The returned future resolves once the write has
// been applied to both the byte-addressable instance (if any) and the
// persistent twin.
func (u *UpdateLog) Submit(ctx context.Context, ext Extent, relOffset uint64, newBytes []byte) *future.Future[struct{}] {
	f, p := future.New[struct{}]()

	u.mu.Lock()
	b, ok := u.buckets[ext.Slice.Offset]
	if !ok {
		b = &extentBucket{}
		u.buckets[ext.Slice.Offset] = b
	}
	u.mu.Unlock()

	b.mu.Lock()
	b.pending = append(b.pending, pendingUpdate{offset: ext.Slice.Offset + relOffset, bytes: newBytes, done: p})
	b.mu.Unlock()

	go u.drain(ctx, ext, b)
	return f
}

// DrainPending re-submits drain for every bucket that still holds queued
// updates, a safety net for the log-drainer background worker against any
// Submit whose fire-and-forget drain goroutine lost a race or exited early
// on a context error (§4.2's drain worker).
func (u *UpdateLog) DrainPending(ctx context.Context) {
	u.mu.Lock()
	offsets := make([]uint64, 0, len(u.buckets))
	for offset := range u.buckets {
		offsets = append(offsets, offset)
	}
	u.mu.Unlock()

	for _, offset := range offsets {
		u.mu.Lock()
		b, ok := u.buckets[offset]
		u.mu.Unlock()
		if !ok {
			continue
		}
		b.mu.Lock()
		pending := len(b.pending)
		b.mu.Unlock()
		if pending == 0 {
			continue
		}

		u.las.mu.RLock()
		entry, ok := u.las.extents[offset]
		u.las.mu.RUnlock()
		if !ok {
			continue
		}
		u.drain(ctx, entry.ext, b)
	}
}

// drain applies every currently queued update for one extent's bucket. It
// acquires a semaphore slot bounding how many extent buckets are drained
// concurrently across the whole LAS, per SPEC_FULL's worker-pool wiring.
func (u *UpdateLog) drain(ctx context.Context, ext Extent, b *extentBucket) {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		b.mu.Lock()
		pending := b.pending
		b.pending = nil
		b.mu.Unlock()
		for _, p := range pending {
			p.done.Reject(err)
		}
		return
	}
	defer u.sem.Release(1)

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	// Apply to the resident byte-addressable instance first, if this extent
	// is materialized in this process, so subsequent LAS.Read/ExtentBytes
	// calls observe the change immediately (§4.2: "updated first, so
	// subsequent reads see the change").
	if buf, ok := u.las.ExtentBytes(ext); ok {
		for _, p := range pending {
			rel := p.offset - ext.Slice.Offset
			copy(buf[rel:rel+uint64(len(p.bytes))], p.bytes)
		}
	}

	// Then durably persist via the extent's own Source, translating the
	// absolute LAS offset to that Source's own relative addressing.
	slot := u.las.sourceFor(ext.SourceIdx)
	for _, p := range pending {
		rel := p.offset - slot.base
		if _, err := slot.src.Write(ctx, rel, p.bytes); err != nil {
			u.log.Warn("in-place update failed to reach source", "err", err)
			p.done.Reject(err)
			continue
		}

		// Also update the persistent twin, if this extent is itself a
		// faster-tier materialized copy with a slower twin registered.
		if twin, ok := u.las.pagetable.Lookup(ext.Slice); ok {
			twinSrcIdx := u.las.sourceIndexForOffset(twin.Offset)
			twinSlot := u.las.sourceFor(twinSrcIdx)
			twinAbs := twin.Offset + (p.offset - ext.Slice.Offset)
			if _, err := twinSlot.src.Write(ctx, twinAbs-twinSlot.base, p.bytes); err != nil {
				u.log.Warn("in-place update failed to reach persistent twin", "err", err)
				p.done.Reject(err)
				continue
			}
		}
		p.done.Resolve(struct{}{})
	}
}
