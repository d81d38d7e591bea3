package las

// Pointer is the 64-bit atomic tagged word of spec §3:
//
//	bits [0..56)  payload
//	bits [56..58) tag
//	bit  58       kind
//	bits [59..64) reserved
type Pointer uint64

// Tag discriminates what the payload means.
type Tag uint8

const (
	// TagVolatileByteAddr: payload is a virtual address in this process.
	TagVolatileByteAddr Tag = 0
	// TagPersistentByteAddr: payload is a self-relative signed offset from
	// the pointer's own storage location.
	TagPersistentByteAddr Tag = 1
	// TagIndirect: payload is the LAS offset of the target extent's object.
	TagIndirect Tag = 2
)

// Kind distinguishes an ordinary object reference from a reference into an
// in-flight transaction's log (used for uncommitted writes).
type Kind uint8

const (
	KindObject   Kind = 0
	KindLogEntry Kind = 1
)

const (
	payloadBits = 56
	payloadMask = uint64(1)<<payloadBits - 1
	tagShift    = 56
	tagMask     = uint64(0b11) << tagShift
	kindShift   = 58
	kindMask    = uint64(1) << kindShift
)

// Null is the zero pointer: no target, used for header fields with no
// predecessor/parent.
const Null Pointer = 0

// NewPointer packs a payload, tag, and kind into a Pointer. payload must fit
// in 56 bits (it may itself encode a signed self-relative offset using two's
// complement within that width).
func NewPointer(payload uint64, tag Tag, kind Kind) Pointer {
	word := payload & payloadMask
	word |= uint64(tag) << tagShift
	word |= uint64(kind) << kindShift
	return Pointer(word)
}

// Payload extracts the low 56-bit payload.
func (p Pointer) Payload() uint64 { return uint64(p) & payloadMask }

// Tag extracts the 2-bit tag.
func (p Pointer) Tag() Tag { return Tag((uint64(p) & tagMask) >> tagShift) }

// Kind extracts the 1-bit kind.
func (p Pointer) Kind() Kind { return Kind((uint64(p) & kindMask) >> kindShift) }

// IsNull reports whether p is the zero/NULL pointer.
func (p Pointer) IsNull() bool { return p == Null }

// VirtualAddress interprets the payload as a VolatileByteAddr target,
// panicking (via the caller's own invariant check) is the caller's
// responsibility — this accessor just unpacks the bits.
func (p Pointer) VirtualAddress() uintptr { return uintptr(p.Payload()) }

// SelfRelativeOffset sign-extends a 56-bit PersistentByteAddr payload to a
// signed Go int64, per §3 ("self-relative signed offset").
func (p Pointer) SelfRelativeOffset() int64 {
	v := p.Payload()
	const signBit = uint64(1) << (payloadBits - 1)
	if v&signBit != 0 {
		v |= ^payloadMask // sign-extend into the high bits
	}
	return int64(v)
}

// IndirectOffset interprets the payload as a LAS offset (TagIndirect).
func (p Pointer) IndirectOffset() uint64 { return p.Payload() }

// NewIndirect builds an Indirect pointer naming the object at lasOffset.
func NewIndirect(lasOffset uint64, kind Kind) Pointer {
	return NewPointer(lasOffset, TagIndirect, kind)
}

// NewVolatile builds a VolatileByteAddr pointer to addr.
func NewVolatile(addr uintptr, kind Kind) Pointer {
	return NewPointer(uint64(addr), TagVolatileByteAddr, kind)
}

// NewPersistentRelative builds a PersistentByteAddr pointer whose payload is
// the signed self-relative offset delta from the pointer's storage location.
func NewPersistentRelative(delta int64, kind Kind) Pointer {
	return NewPointer(uint64(delta)&payloadMask, TagPersistentByteAddr, kind)
}

// PutPointer encodes p as a little-endian 64-bit word at b[off:off+8].
func PutPointer(b []byte, off uint64, p Pointer) {
	v := uint64(p)
	for i := 0; i < 8; i++ {
		b[off+uint64(i)] = byte(v >> (8 * i))
	}
}

// GetPointer decodes a little-endian 64-bit word at b[off:off+8].
func GetPointer(b []byte, off uint64) Pointer {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+uint64(i)]) << (8 * i)
	}
	return Pointer(v)
}
