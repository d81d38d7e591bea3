package source

import (
	"context"
	"sync"

	"github.com/pbnjay/memory"
)

// DefaultDRAMCapacity picks a DRAM tier size for callers that don't pin one
// explicitly: a fixed fraction of total system RAM, leaving the rest for the
// OS page cache fronting the PMEM/block tiers and for the host process
// itself. Returns the 64MiB floor if total system memory cannot be
// determined (memory.TotalMemory returns 0 on an unsupported platform).
func DefaultDRAMCapacity() uint64 {
	const fraction = 8 // 1/8th of system RAM
	const floor = 64 << 20
	total := memory.TotalMemory()
	if total == 0 {
		return floor
	}
	size := total / fraction
	if size < floor {
		return floor
	}
	return size
}

// MemorySource is the fastest, volatile tier: a plain DRAM byte arena with
// no persistent twin. It never needs flush/fence durability, and its
// live-object iterator is always empty — nothing it holds survives restart.
type MemorySource struct {
	mu       sync.RWMutex
	buf      []byte
	numaNode int
	offset   uint64
}

// NewMemorySource allocates a DRAM arena of capacity bytes, assigned to
// start at the given logical address space offset.
func NewMemorySource(capacity uint64, assignedOffset uint64, numaNode int) *MemorySource {
	return &MemorySource{
		buf:      make([]byte, capacity),
		numaNode: numaNode,
		offset:   assignedOffset,
	}
}

func (m *MemorySource) Capabilities() Capabilities {
	return Capabilities{Persistent: false, ByteAddressable: true}
}

func (m *MemorySource) Capacity() uint64            { return uint64(len(m.buf)) }
func (m *MemorySource) NUMANode() int                { return m.numaNode }
func (m *MemorySource) AtomicWriteSize() uint64      { return 8 }
func (m *MemorySource) MinWriteSize() uint64         { return 1 }
func (m *MemorySource) TierRank() Tier               { return TierDRAM }
func (m *MemorySource) AssignedSliceOffset() uint64  { return m.offset }

// Bytes returns the DRAM arena itself, so writes into the returned slice are
// immediately visible to anything else holding the same backing array.
func (m *MemorySource) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buf
}

func (m *MemorySource) Read(_ context.Context, offset, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])
	return out, nil
}

func (m *MemorySource) ReadInto(_ context.Context, offset uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.buf[offset:offset+uint64(len(buf))])
	return nil
}

func (m *MemorySource) Write(_ context.Context, offset uint64, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(m.buf[offset:], p)
	return n, nil
}

func (m *MemorySource) Flush(context.Context, uint64, uint64) error { return nil }
func (m *MemorySource) Fence(context.Context) error                 { return nil }

func (m *MemorySource) IterateLive(context.Context, func(LiveObject) error) error {
	return nil
}

func (m *MemorySource) Close() error { return nil }
