// Package vas implements the Versioned Address Space: the object header
// layout, per-object version chains, per-transaction object/log allocators,
// and version visibility atop LAS (spec §3, §4.3, §4.4).
package vas

import (
	"encoding/binary"

	"github.com/heaplane/heaplane/internal/las"
)

// HeaderSize is the fixed 32-byte object header of spec §3.
const HeaderSize = 32

// Header is the in-memory view of an object's 32-byte header. All embedded
// pointers in the payload MUST occupy the first PointersSize bytes
// (§3 invariant).
type Header struct {
	PointersSize uint32
	BodySize     uint32
	Version      Version
	Parent       las.Pointer
	Other        las.Pointer
}

// Version is the object header's version field (§3): MSB=0 is a direct
// version number; MSB=1 means the remaining 63 bits are a LAS offset to a
// writable version cell owned by a transaction's log. Version 0 means
// uncommitted and must be skipped on read.
type Version uint64

const indirectVersionBit = uint64(1) << 63

// IsIndirect reports whether v points at a log-owned version cell rather
// than carrying a direct, stamped version number.
func (v Version) IsIndirect() bool { return uint64(v)&indirectVersionBit != 0 }

// Number returns the direct version number. Only meaningful if !IsIndirect().
func (v Version) Number() uint64 { return uint64(v) &^ indirectVersionBit }

// Uncommitted is the "not yet committed" marker: a direct version of 0.
const Uncommitted Version = 0

// IndirectTo builds a Version pointing at the log-owned cell at lasOffset.
func IndirectTo(lasOffset uint64) Version {
	return Version(indirectVersionBit | (lasOffset &^ indirectVersionBit))
}

// Cell returns the LAS offset of the version cell this indirect Version
// names. Only meaningful if IsIndirect().
func (v Version) Cell() uint64 { return uint64(v) &^ indirectVersionBit }

// Direct builds a direct, stamped Version. n must be in [1, 2^63-1].
func Direct(n uint64) Version { return Version(n) }

// EncodeHeader writes h into b[0:HeaderSize].
func EncodeHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.PointersSize)
	binary.LittleEndian.PutUint32(b[4:8], h.BodySize)
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.Version))
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Parent))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.Other))
}

// DecodeHeader reads a Header from b[0:HeaderSize].
func DecodeHeader(b []byte) Header {
	return Header{
		PointersSize: binary.LittleEndian.Uint32(b[0:4]),
		BodySize:     binary.LittleEndian.Uint32(b[4:8]),
		Version:      Version(binary.LittleEndian.Uint64(b[8:16])),
		Parent:       las.Pointer(binary.LittleEndian.Uint64(b[16:24])),
		Other:        las.Pointer(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Payload returns the payload slice following the header in b.
func Payload(b []byte) []byte { return b[HeaderSize:] }

// PointerSlots returns the byte offsets (relative to the start of the
// object, i.e. including the header) of each 8-byte embedded pointer slot,
// per the "pointers occupy the first pointers_size bytes of the payload"
// invariant. This is what VAS hands LAS as locate_pointers_in (§4.2, §6).
func PointerSlots(h Header) []uint64 {
	n := h.PointersSize / 8
	slots := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		slots = append(slots, uint64(HeaderSize)+uint64(i)*8)
	}
	return slots
}
