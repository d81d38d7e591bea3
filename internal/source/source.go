// Package source defines the backing-device contract (§6 of the spec) and
// the capability set that the rest of the heap dispatches on, plus three
// concrete backends spanning the DRAM / PMEM-like / block tiers named in
// the data model.
package source

import (
	"context"
	"errors"
)

// Tier ranks a Source by speed; lower is faster. The zero value is reserved
// so a forgotten assignment is caught rather than silently ranked fastest.
type Tier int

const (
	TierUnknown Tier = iota
	TierDRAM
	TierPMEM
	TierBlock
)

func (t Tier) String() string {
	switch t {
	case TierDRAM:
		return "dram"
	case TierPMEM:
		return "pmem"
	case TierBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Capabilities is the dynamic-dispatch capability set from spec §9:
// {read, write, flush, fence, iterate_live, metadata}, with runtime variants
// {ByteAddressable, BlockAddressable} × {Volatile, Persistent}.
type Capabilities struct {
	Persistent      bool
	ByteAddressable bool
}

// LiveObject is one entry yielded by a Source's startup occupancy iterator:
// a LAS-offset-relative region the Source Allocator must mark live before
// deriving its free lists (§4.1 Reconstruct).
type LiveObject struct {
	Offset uint64
	Length uint64
}

// Source is the external collaborator contract every backing device must
// satisfy (§6). Sources are responsible only for their own assigned slice of
// the logical address space; LAS federates many Sources.
type Source interface {
	Capabilities() Capabilities

	// Capacity is the byte size of this Source's assigned LAS slice.
	Capacity() uint64

	// NUMANode is the NUMA affinity of this Source, or -1 if not pinned.
	NUMANode() int

	// AtomicWriteSize is the largest write this Source can apply atomically
	// with respect to a concurrent crash. MinWriteSize is the smallest write
	// granularity it accepts. A Source whose AtomicWriteSize is smaller than
	// its MinWriteSize must be rejected at Open (§4.2).
	AtomicWriteSize() uint64
	MinWriteSize() uint64

	// TierRank ranks this Source among its peers; lower is faster.
	TierRank() Tier

	// AssignedSliceOffset is the start of the region of the 56-bit logical
	// address space this Source owns; the region's length is Capacity. The
	// offset is supplied when the Source is opened; none of the Sources in
	// this package store it in their backing medium.
	AssignedSliceOffset() uint64

	Read(ctx context.Context, offset, length uint64) ([]byte, error)
	ReadInto(ctx context.Context, offset uint64, buf []byte) error

	// Bytes returns a direct, mutable view of this Source's entire backing
	// storage, or nil if the Source is not byte-addressable (§6). A caller
	// that slices into the returned buffer and writes to it is writing the
	// Source's own memory: Flush/Fence over the same range then actually
	// persists those writes. Non-byte-addressable Sources (e.g. BlockSource)
	// have no such view and must go through Write/Read instead.
	Bytes() []byte

	// Write returns the number of bytes actually written, which may be
	// less than len(p) to signal compression at the source (§6).
	Write(ctx context.Context, offset uint64, p []byte) (written int, err error)

	Flush(ctx context.Context, offset, length uint64) error
	Fence(ctx context.Context) error

	// IterateLive calls fn once per live region known to this Source at
	// startup, for occupancy reconstruction (§4.1).
	IterateLive(ctx context.Context, fn func(LiveObject) error) error

	Close() error
}

// ErrAtomicWriteTooSmall is returned at Open when a Source's atomic write
// size is smaller than its minimum write size (§4.2).
var ErrAtomicWriteTooSmall = errors.New("source: atomic write size smaller than minimum write size")

// Validate enforces the Open-time contract check from §4.2.
func Validate(s Source) error {
	if s.AtomicWriteSize() < s.MinWriteSize() {
		return ErrAtomicWriteTooSmall
	}
	return nil
}
