package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// BlockSource is the slowest tier: a plain file accessed via pread/pwrite
// (block-addressable, not mapped), standing in for an SSD or networked
// backing. It is the only tier permitted to compress on write; per §6 a
// Write's returned length may be less than requested to signal compression
// at the source, which LAS's promotion/demotion logic must tolerate.
type BlockSource struct {
	mu       sync.Mutex
	f        *os.File
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	compress bool
	numaNode int
	offset   uint64
	capacity uint64
}

// OpenBlockSource opens or creates path sized to capacity bytes. When
// compress is true, Write transparently zstd-compresses each payload and
// reports the compressed length as written, consistent with §6's
// "written_len may be less than requested" signal.
func OpenBlockSource(path string, capacity uint64, assignedOffset uint64, numaNode int, compress bool) (*BlockSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open block file %s: %w", path, err)
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate block file %s: %w", path, err)
	}
	bs := &BlockSource{f: f, numaNode: numaNode, offset: assignedOffset, capacity: capacity, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			f.Close()
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		bs.enc, bs.dec = enc, dec
	}
	return bs, nil
}

func (b *BlockSource) Capabilities() Capabilities {
	return Capabilities{Persistent: true, ByteAddressable: false}
}

func (b *BlockSource) Capacity() uint64           { return b.capacity }
func (b *BlockSource) NUMANode() int              { return b.numaNode }
func (b *BlockSource) AtomicWriteSize() uint64    { return 512 }
func (b *BlockSource) MinWriteSize() uint64       { return 512 }
func (b *BlockSource) TierRank() Tier             { return TierBlock }
func (b *BlockSource) AssignedSliceOffset() uint64 { return b.offset }

// Bytes reports no byte-addressable view: a block tier is only reachable
// through Read/Write pread/pwrite calls (§6).
func (b *BlockSource) Bytes() []byte { return nil }

func (b *BlockSource) Read(_ context.Context, offset, length uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := make([]byte, length)
	if _, err := b.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("block read at %d: %w", offset, err)
	}
	if !b.compress {
		return raw, nil
	}
	out, err := b.dec.DecodeAll(raw, nil)
	if err != nil {
		// Not every stored extent is compressed-and-padded; fall back to
		// the raw bytes for callers that wrote uncompressed data directly.
		return raw, nil
	}
	return out, nil
}

func (b *BlockSource) ReadInto(ctx context.Context, offset uint64, buf []byte) error {
	data, err := b.Read(ctx, offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func (b *BlockSource) Write(_ context.Context, offset uint64, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload := p
	if b.compress {
		payload = b.enc.EncodeAll(p, nil)
	}
	if _, err := b.f.WriteAt(payload, int64(offset)); err != nil {
		return 0, fmt.Errorf("block write at %d: %w", offset, err)
	}
	return len(payload), nil
}

func (b *BlockSource) Flush(context.Context, uint64, uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Sync()
}

func (b *BlockSource) Fence(ctx context.Context) error {
	return b.Flush(ctx, 0, 0)
}

func (b *BlockSource) IterateLive(_ context.Context, fn func(LiveObject) error) error {
	return nil
}

func (b *BlockSource) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc != nil {
		b.enc.Close()
	}
	if b.dec != nil {
		b.dec.Close()
	}
	return b.f.Close()
}
