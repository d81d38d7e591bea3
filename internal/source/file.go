package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// FileSource memory-maps a regular file to stand in for byte-addressable
// persistent memory (PMEM): reads and writes go directly against mapped
// pages, and Flush/Fence call down to the mapping's sync primitive instead
// of a page-cache writeback, matching the "ordering barrier on PMEM" step
// of durability staging (§4.5).
type FileSource struct {
	mu       sync.RWMutex
	f        *os.File
	m        mmap.MMap
	numaNode int
	offset   uint64
}

// OpenFileSource opens or creates path, sized to capacity bytes, and maps
// it read-write.
func OpenFileSource(path string, capacity uint64, assignedOffset uint64, numaNode int) (*FileSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pmem file %s: %w", path, err)
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pmem file %s: %w", path, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap pmem file %s: %w", path, err)
	}
	return &FileSource{f: f, m: m, numaNode: numaNode, offset: assignedOffset}, nil
}

func (s *FileSource) Capabilities() Capabilities {
	return Capabilities{Persistent: true, ByteAddressable: true}
}

func (s *FileSource) Capacity() uint64           { return uint64(len(s.m)) }
func (s *FileSource) NUMANode() int              { return s.numaNode }
func (s *FileSource) AtomicWriteSize() uint64    { return 8 }
func (s *FileSource) MinWriteSize() uint64       { return 1 }
func (s *FileSource) TierRank() Tier             { return TierPMEM }
func (s *FileSource) AssignedSliceOffset() uint64 { return s.offset }

// Bytes returns the mapping itself: writes into the returned slice land
// directly on the mmap'd pages, so a subsequent Flush (msync) persists them.
func (s *FileSource) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}

func (s *FileSource) Read(_ context.Context, offset, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, length)
	copy(out, s.m[offset:offset+length])
	return out, nil
}

func (s *FileSource) ReadInto(_ context.Context, offset uint64, buf []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copy(buf, s.m[offset:offset+uint64(len(buf))])
	return nil
}

func (s *FileSource) Write(_ context.Context, offset uint64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(s.m[offset:], p)
	return n, nil
}

// Flush persists a byte range by delegating to the mapping-wide sync; PMEM
// files are small enough in practice that a ranged msync is not worth the
// extra syscall plumbing mmap-go doesn't expose.
func (s *FileSource) Flush(_ context.Context, _, _ uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Flush()
}

// Fence issues the ordering barrier step of durability staging (§4.5). For
// a file-backed mapping this is the same operation as Flush; a real PMEM
// backend would instead issue a store fence without a syscall.
func (s *FileSource) Fence(ctx context.Context) error {
	return s.Flush(ctx, 0, 0)
}

func (s *FileSource) IterateLive(_ context.Context, fn func(LiveObject) error) error {
	// The FileSource itself holds no occupancy metadata (§4.1: "no on-media
	// allocation metadata"). Occupancy is reconstructed by the upper layer
	// walking VAS's object graph, not by this Source.
	return nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.Unmap(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
