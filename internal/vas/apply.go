package vas

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/heaplane/heaplane/internal/las"
)

// ApplySetRecords submits every RecordSet entry's in-place update to upd,
// the shared path between a live commit (Transaction.applyOwnSetRecords,
// right after stageDurability completes) and crash recovery replaying a validated log
// chain (§4.5 "Log application after durability", §7). Both callers resolve
// a RecordSet's payload the same way: objOffset(8) | bodyOffset(8) |
// newBytes, targeting objOffset's body at bodyOffset.
func ApplySetRecords(ctx context.Context, l *las.LAS, upd *las.UpdateLog, records []Record) error {
	for _, rec := range records {
		if rec.Kind != RecordSet || len(rec.Payload) < 16 {
			continue
		}
		objOffset := binary.LittleEndian.Uint64(rec.Payload[0:8])
		bodyOffset := binary.LittleEndian.Uint64(rec.Payload[8:16])
		newBytes := rec.Payload[16:]
		objExt, objRel, ok := l.ResolveOffset(objOffset)
		if !ok {
			continue
		}
		f := upd.Submit(ctx, objExt, objRel+uint64(HeaderSize)+bodyOffset, newBytes)
		if _, err := f.Get(ctx); err != nil {
			return fmt.Errorf("vas: applying set at %d: %w", objOffset, err)
		}
	}
	return nil
}
