// Package las implements the Logical Address Space: a federation of
// per-Source buddy allocators presenting one unified 56-bit address space,
// with pointer swizzling, tiered promotion/demotion, an in-place update log,
// and compacting garbage collection (spec §3, §4.2).
package las

import (
	"github.com/heaplane/heaplane/internal/buddy"
	"github.com/heaplane/heaplane/internal/source"
)

// LASAddressBits is the width of the flat logical address space (§3).
const LASAddressBits = 56

// MaxLASOffset is the largest representable logical offset.
const MaxLASOffset = uint64(1)<<LASAddressBits - 1

// LogicalSlice is a (LAS offset, length) pair that never crosses an extent
// boundary; crossing is a fatal invariant violation (§3). It aliases
// buddy.Slice so the allocator and LAS share one wire representation.
type LogicalSlice = buddy.Slice

// ExtentState is the lifecycle state of an extent (§3).
type ExtentState int

const (
	StateFree ExtentState = iota
	StateLiveVolatile
	StateLivePersistentNative
	StateLiveMirrored
)

// Extent is a buddy-allocated power-of-two region within one Source's slice.
// Extents carry no on-media header; all bookkeeping here is runtime-only.
type Extent struct {
	Slice     LogicalSlice
	SourceIdx int
	State     ExtentState
}

// sourceSlot binds one configured Source to its buddy allocator and its
// position in the federated address space.
type sourceSlot struct {
	src       source.Source
	allocator *buddy.Allocator
	base      uint64
	tier      source.Tier
}
