package las

// Slot identifies one pointer-sized word inside an already-resident extent
// — a field in a parent object's payload, or one of the Root Location's
// pointer fields — that transactions swap via atomic compare-and-swap
// (§4.5, §5: "writers serialize only on slot-level atomic swaps").
type Slot struct {
	Ext       Extent
	RelOffset uint64
}

// Offset is the slot's absolute LAS address, used as a Parent reference
// when an object records which slot currently owns it.
func (s Slot) Offset() uint64 { return s.Ext.Slice.Offset + s.RelOffset }

// Load atomically reads the slot's current pointer value.
func (s Slot) Load(l *LAS) Pointer { return l.LoadPointer(s.Ext, s.RelOffset) }

// CAS atomically swaps the slot from old to new, reporting success.
func (s Slot) CAS(l *LAS, old, new Pointer) bool { return l.CASPointer(s.Ext, s.RelOffset, old, new) }
