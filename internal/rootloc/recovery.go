package rootloc

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/vas"
)

// AppliedLog is one successfully-validated log extent replayed during
// recovery, returned for observability/testing.
type AppliedLog struct {
	Offset  uint64
	Version uint64
	Records []vas.Record
}

// Recover walks the durable log chain starting at the Root Location's
// LogChainSlot, validating each extent's checksum and replaying its
// in-place update records into LAS's update log (§7, §8 scenario S5):
//
//   - An extent whose header Version is 0 is an uncommitted or
//     never-finished transaction; recovery stops there and discards it —
//     "a log extent with version=0 is treated as absent on recovery" (§5).
//   - An extent whose stored checksum does not match its bytes is
//     CorruptLog; recovery truncates the chain at that point and the prior
//     committed state remains intact (§7, §8 scenario S5).
//
// Recovery replays RecordSet entries (the only records whose effects are
// not already reflected in directly-written object bytes) by resubmitting
// them to upd, which is idempotent per extent-offset.
func Recover(ctx context.Context, l *las.LAS, upd *las.UpdateLog, r *RootLocation) ([]AppliedLog, error) {
	headPtr := r.LogChainSlot().Load(l)
	if headPtr.IsNull() {
		return nil, nil
	}

	var applied []AppliedLog
	offset := headPtr.IndirectOffset()
	for {
		ext, rel, ok := l.ResolveOffset(offset)
		if !ok || rel != 0 {
			break
		}
		buf, err := l.Read(ctx, las.LogicalSlice{Offset: ext.Slice.Offset, Length: ext.Slice.Length}).Get(ctx)
		if err != nil {
			return applied, fmt.Errorf("rootloc: recovery: reading log extent %d: %w", ext.Slice.Offset, err)
		}
		hdr := vas.DecodeLogExtentHeader(buf[:vas.LogExtentHeaderSize])
		if hdr.Version == 0 {
			break // uncommitted transaction; absent on recovery
		}
		if xxhash.Sum64(buf[vas.LogExtentHeaderSize:]) != hdr.Checksum {
			break // CorruptLog: truncate here, prior committed state stands
		}

		records := vas.ParseRecords(ext.Slice.Offset, buf)
		if err := vas.ApplySetRecords(ctx, l, upd, records); err != nil {
			return applied, fmt.Errorf("rootloc: recovery: %w", err)
		}

		applied = append(applied, AppliedLog{Offset: ext.Slice.Offset, Version: hdr.Version, Records: records})
		if hdr.Next.IsNull() {
			break
		}
		offset = hdr.Next.IndirectOffset()
	}
	return applied, nil
}
