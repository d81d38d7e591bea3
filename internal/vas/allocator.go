package vas

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/heaplane/heaplane/internal/las"
)

// ObjectAllocator is the per-transaction bump allocator of §4.3: it
// consumes fresh LAS extents and places object headers+payloads into them
// sequentially. A transaction owns exactly one while it is a writer.
type ObjectAllocator struct {
	l          *las.LAS
	extentSize uint64

	cur      las.Extent
	curBytes []byte
	bump     uint64

	placed []las.Extent // every extent this allocator has touched, for commit bookkeeping
}

// NewObjectAllocator returns an allocator that requests extentSize-byte
// extents from l as it runs out of room.
func NewObjectAllocator(l *las.LAS, extentSize uint64) *ObjectAllocator {
	return &ObjectAllocator{l: l, extentSize: extentSize}
}

// Alloc reserves room for one object (header + pointers + body) and returns
// its absolute LAS offset and the backing byte slice to write into directly.
// The caller is responsible for encoding the header via EncodeHeader.
func (a *ObjectAllocator) Alloc(ctx context.Context, pointersSize, bodySize uint32) (uint64, []byte, error) {
	total := uint64(HeaderSize) + uint64(pointersSize) + uint64(bodySize)
	if a.curBytes == nil || a.bump+total > uint64(len(a.curBytes)) {
		size := a.extentSize
		if total > size {
			size = total
		}
		ext, buf, err := a.l.Alloc(ctx, size)
		if err != nil {
			return 0, nil, fmt.Errorf("vas: object allocator: %w", err)
		}
		a.cur, a.curBytes, a.bump = ext, buf, 0
		a.placed = append(a.placed, ext)
	}
	offset := a.cur.Slice.Offset + a.bump
	slot := a.curBytes[a.bump : a.bump+total]
	a.bump += total
	return offset, slot, nil
}

// Extents returns every extent this allocator has placed objects into, in
// allocation order, so commit can hand them to the durability pipeline.
func (a *ObjectAllocator) Extents() []las.Extent { return a.placed }

// LogExtentHeaderSize is the fixed header at the start of every log extent:
// version, checksum, next — all zero until commit and durability staging
// fill them in (§4.3, §6: "version:u64 | checksum:u64 | next:u64, followed
// by records").
const LogExtentHeaderSize = 24

// LogExtentHeader is the decoded form of a log extent's fixed header.
type LogExtentHeader struct {
	Version  uint64
	Checksum uint64
	Next     las.Pointer // absolute LAS offset of the next log extent's header, or Null
}

func encodeLogExtentHeader(b []byte, h LogExtentHeader) {
	binary.LittleEndian.PutUint64(b[0:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.Checksum)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Next))
}

// DecodeLogExtentHeader reads a LogExtentHeader from b[0:LogExtentHeaderSize].
func DecodeLogExtentHeader(b []byte) LogExtentHeader {
	return LogExtentHeader{
		Version:  binary.LittleEndian.Uint64(b[0:8]),
		Checksum: binary.LittleEndian.Uint64(b[8:16]),
		Next:     las.Pointer(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// recordFrameAlign is the 8-byte alignment §6 requires between consecutive
// records within a log extent.
const recordFrameAlign = 8

func alignUp(n uint64) uint64 { return (n + recordFrameAlign - 1) &^ (recordFrameAlign - 1) }

// LogAllocator is the per-transaction Log Allocator of §4.3: a chain of LAS
// extents, each carrying one {version,checksum,next} header followed by a
// sequence of 8-byte-aligned records. Its head extent (extents[0]) is the
// chain's durability anchor — the last extent flushed during staging, since
// the root location's log-chain pointer must only ever name a fully-durable
// chain.
type LogAllocator struct {
	l          *las.LAS
	extentSize uint64

	cur      las.Extent
	curBytes []byte
	bump     uint64 // next free byte within cur, relative to its start

	extents      []las.Extent // allocation order; extents[0] is the chain head
	entryOffsets []uint64     // every record payload's absolute LAS offset, append order
}

func NewLogAllocator(l *las.LAS, extentSize uint64) *LogAllocator {
	return &LogAllocator{l: l, extentSize: extentSize}
}

// recordFrameSize is the on-disk size of one record's framing plus payload,
// rounded up to the alignment §6 mandates.
func recordFrameSize(payloadLen int) uint64 {
	return alignUp(1 + 4 + uint64(payloadLen))
}

// AppendEntry writes one framed record (kind:u8 | payload_len:u32 | payload,
// 8-byte aligned) into the chain, allocating a new extent (and linking the
// previous extent's header Next field) if the current one lacks room. It
// returns the payload's absolute LAS offset. Object headers do not use it
// as their indirect version cell; that cell is the head extent's header
// Version field, which StampVersion writes.
func (a *LogAllocator) AppendEntry(ctx context.Context, kind byte, payload []byte) (uint64, error) {
	frameSize := recordFrameSize(len(payload))
	if a.curBytes == nil || a.bump+frameSize > uint64(len(a.curBytes)) {
		if err := a.rollExtent(ctx, frameSize); err != nil {
			return 0, err
		}
	}
	frame := a.curBytes[a.bump : a.bump+frameSize]
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)

	payloadOffset := a.cur.Slice.Offset + a.bump + 5
	a.bump += frameSize
	a.entryOffsets = append(a.entryOffsets, payloadOffset)
	return payloadOffset, nil
}

// rollExtent allocates a new log extent sized to hold at least need bytes
// past its header, writes the zero {version,checksum,next} header, and
// links the previously-current extent's header Next field at it.
func (a *LogAllocator) rollExtent(ctx context.Context, need uint64) error {
	size := a.extentSize
	if LogExtentHeaderSize+need > size {
		size = LogExtentHeaderSize + need
	}
	ext, buf, err := a.l.Alloc(ctx, size)
	if err != nil {
		return fmt.Errorf("vas: log allocator: %w", err)
	}
	encodeLogExtentHeader(buf[:LogExtentHeaderSize], LogExtentHeader{})

	if len(a.extents) > 0 {
		prev := a.extents[len(a.extents)-1]
		prevBuf, ok := a.l.ExtentBytes(prev)
		if ok {
			hdr := DecodeLogExtentHeader(prevBuf[:LogExtentHeaderSize])
			hdr.Next = las.NewIndirect(ext.Slice.Offset, las.KindLogEntry)
			encodeLogExtentHeader(prevBuf[:LogExtentHeaderSize], hdr)
		}
	}
	a.extents = append(a.extents, ext)
	a.cur, a.curBytes, a.bump = ext, buf, LogExtentHeaderSize
	return nil
}

// Extents returns every extent this log chain occupies, in allocation
// (oldest-first) order. extents[0] is the chain head.
func (a *LogAllocator) Extents() []las.Extent { return a.extents }

// HeadOffset is the LAS offset of the chain's first extent — the value the
// root location's log-chain-head field must be updated to once the whole
// chain is durable (§6).
func (a *LogAllocator) HeadOffset() (uint64, bool) {
	if len(a.extents) == 0 {
		return 0, false
	}
	return a.extents[0].Slice.Offset, true
}

// StampVersion writes the committed version number into the chain head
// extent's header (§4.5's commit step: "writes the fetched version into the
// log's first-extent version field").
func (a *LogAllocator) StampVersion(version uint64) error {
	if len(a.extents) == 0 {
		return fmt.Errorf("vas: stamping version on an empty log chain")
	}
	head := a.extents[0]
	buf, ok := a.l.ExtentBytes(head)
	if !ok {
		return fmt.Errorf("vas: stamping version: log head extent %d not resident", head.Slice.Offset)
	}
	hdr := DecodeLogExtentHeader(buf[:LogExtentHeaderSize])
	hdr.Version = version
	encodeLogExtentHeader(buf[:LogExtentHeaderSize], hdr)
	return nil
}

// WriteChecksum computes and stores a checksum over the head extent's bytes
// following its header, per durability staging step 2.
func (a *LogAllocator) WriteChecksum(checksum uint64) error {
	head := a.extents[0]
	buf, ok := a.l.ExtentBytes(head)
	if !ok {
		return fmt.Errorf("vas: writing checksum: log head extent %d not resident", head.Slice.Offset)
	}
	hdr := DecodeLogExtentHeader(buf[:LogExtentHeaderSize])
	hdr.Checksum = checksum
	encodeLogExtentHeader(buf[:LogExtentHeaderSize], hdr)
	return nil
}
