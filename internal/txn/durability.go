package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/heaplane/heaplane/internal/future"
	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/metrics"
	"github.com/heaplane/heaplane/internal/vas"
)

// CommitResult carries both futures §4.5 distinguishes: Visibility resolves
// once the transaction is committed in-process (buffered durable
// linearizability); Durability resolves once the five-step staging
// pipeline below has completed (strict durable linearizability).
// LogHeadOffset names the durable chain's head extent, which the caller
// (the root-location layer) must link in once Durability resolves.
type CommitResult struct {
	Visibility     *future.Future[struct{}]
	Durability     *future.Future[struct{}]
	LogHeadOffset  uint64
	HasLogHeadLink bool
}

// Commit implements §4.5's commit and durability staging. A read-only
// transaction (one that never upgraded to a writer) commits trivially: both
// futures resolve immediately and there is nothing to link.
func (tx *Transaction) Commit(ctx context.Context) (CommitResult, error) {
	tx.mu.Lock()
	if tx.committed || tx.aborted {
		tx.mu.Unlock()
		return CommitResult{}, fmt.Errorf("vas: transaction already finished")
	}
	if !tx.writer {
		tx.committed = true
		tx.reader.Close()
		tx.mu.Unlock()
		return CommitResult{
			Visibility: future.Resolved(struct{}{}),
			Durability: future.Resolved(struct{}{}),
		}, nil
	}

	if _, err := tx.logAlloc.AppendEntry(ctx, byte(vas.RecordEnd), nil); err != nil {
		tx.mu.Unlock()
		return CommitResult{}, fmt.Errorf("vas: commit: %w", err)
	}

	version := tx.engine.vas.NextVersion()
	if err := tx.logAlloc.StampVersion(version); err != nil {
		tx.mu.Unlock()
		return CommitResult{}, fmt.Errorf("vas: commit: %w", err)
	}
	tx.committed = true
	logAlloc, touched := tx.logAlloc, tx.touched
	tx.reader.Close()
	tx.mu.Unlock()

	metrics.Commits.Inc()

	vf, vp := future.New[struct{}]()
	vp.Resolve(struct{}{}) // in-memory commit already happened above

	df, dp := future.New[struct{}]()
	headOffset, hasHead := logAlloc.HeadOffset()
	go func() {
		start := time.Now()
		err := tx.stageDurability(ctx, logAlloc, touched)
		metrics.DurabilityLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			dp.Reject(err)
			return
		}
		if err := tx.applyOwnSetRecords(ctx, logAlloc); err != nil {
			dp.Reject(err)
			return
		}
		dp.Resolve(struct{}{})
	}()

	return CommitResult{
		Visibility:     vf,
		Durability:     df,
		LogHeadOffset:  headOffset,
		HasLogHeadLink: hasHead,
	}, nil
}

// stageDurability runs the five-step pipeline of §4.5:
//
//  1. Flush all object extents created by the txn and all-but-first log extent.
//  2. Compute and write the first log extent's checksum.
//  3. Issue an ordering barrier (fence).
//  4. Flush the first log extent.
//  5. (left to the caller: RootLocation.LinkLogChain points the Root
//     Location's log-chain slot at this log's head extent.)
func (tx *Transaction) stageDurability(ctx context.Context, logAlloc *vas.LogAllocator, touched []las.Extent) error {
	l := tx.lasHandle()

	for _, ext := range touched {
		if err := l.FlushExtent(ctx, ext); err != nil {
			return fmt.Errorf("vas: durability: flushing object extent %d: %w", ext.Slice.Offset, err)
		}
	}
	logExtents := logAlloc.Extents()
	for _, ext := range logExtents[1:] {
		if err := l.FlushExtent(ctx, ext); err != nil {
			return fmt.Errorf("vas: durability: flushing log extent %d: %w", ext.Slice.Offset, err)
		}
	}

	head := logExtents[0]
	headBytes, ok := l.ExtentBytes(head)
	if !ok {
		return fmt.Errorf("vas: durability: log head extent %d not resident", head.Slice.Offset)
	}
	checksum := xxhash.Sum64(headBytes[24:]) // over records, excluding the header's own fields
	if err := logAlloc.WriteChecksum(checksum); err != nil {
		return fmt.Errorf("vas: durability: %w", err)
	}

	if err := l.FenceSource(ctx, head.SourceIdx); err != nil {
		return fmt.Errorf("vas: durability: fence: %w", err)
	}

	if err := l.FlushExtent(ctx, head); err != nil {
		return fmt.Errorf("vas: durability: flushing log head extent %d: %w", head.Slice.Offset, err)
	}
	return nil
}

// applyOwnSetRecords makes this transaction's Set calls take effect on the
// live object bytes, mirroring what crash recovery would replay from the
// same log chain (§4.5 "Log application after durability"). Running this
// only once durability staging has completed means a concurrent reader can never
// observe an in-place update whose owning transaction might still be lost
// to a crash.
func (tx *Transaction) applyOwnSetRecords(ctx context.Context, logAlloc *vas.LogAllocator) error {
	l := tx.lasHandle()
	for _, ext := range logAlloc.Extents() {
		buf, ok := l.ExtentBytes(ext)
		if !ok {
			return fmt.Errorf("vas: durability: applying set records: log extent %d not resident", ext.Slice.Offset)
		}
		records := vas.ParseRecords(ext.Slice.Offset, buf)
		if err := vas.ApplySetRecords(ctx, l, l.UpdateLog(), records); err != nil {
			return fmt.Errorf("vas: durability: %w", err)
		}
	}
	return nil
}
