package vas

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/source"
)

// newTestLAS returns a LAS backed by one real temp-file FileSource, large
// enough for the handful of small extents these tests allocate.
func newTestLAS(t *testing.T) *las.LAS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmem.dat")
	src, err := source.OpenFileSource(path, 4<<20, 0, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	l, err := las.New([]source.Source{src}, 4096, las.Callbacks{
		LocatePointers:          func([]byte) []uint64 { return nil },
		CopyLiveInto:            func([]byte, [][]byte) error { return nil },
		RewritePointerAfterMove: func(uint64, uint64) error { return nil },
		StampHasReaders:         func(uint64) bool { return false },
	})
	require.NoError(t, err)
	return l
}

func TestObjectAllocatorPacksSeveralObjectsPerExtent(t *testing.T) {
	l := newTestLAS(t)
	a := NewObjectAllocator(l, 256)

	off1, buf1, err := a.Alloc(context.Background(), 8, 16)
	require.NoError(t, err)
	off2, buf2, err := a.Alloc(context.Background(), 8, 16)
	require.NoError(t, err)

	require.Len(t, buf1, int(HeaderSize+8+16))
	require.Len(t, buf2, int(HeaderSize+8+16))
	require.NotEqual(t, off1, off2)
	require.Len(t, a.Extents(), 1, "both objects should share one extent")

	// A third, oversized request should roll a fresh dedicated extent.
	_, buf3, err := a.Alloc(context.Background(), 0, 4096)
	require.NoError(t, err)
	require.Len(t, buf3, int(HeaderSize+4096))
	require.Len(t, a.Extents(), 2)
}

func TestLogAllocatorAppendAndRoll(t *testing.T) {
	l := newTestLAS(t)
	a := NewLogAllocator(l, 64)

	off1, err := a.AppendEntry(context.Background(), byte(RecordAlloc), nil)
	require.NoError(t, err)
	off2, err := a.AppendEntry(context.Background(), byte(RecordWrite), []byte("payload"))
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)

	head, ok := a.HeadOffset()
	require.True(t, ok)
	require.Equal(t, a.Extents()[0].Slice.Offset, head)

	require.NoError(t, a.StampVersion(5))
	buf, ok := l.ExtentBytes(a.Extents()[0])
	require.True(t, ok)
	hdr := DecodeLogExtentHeader(buf[:LogExtentHeaderSize])
	require.Equal(t, uint64(5), hdr.Version)

	require.NoError(t, a.WriteChecksum(0xCAFE))
	buf, _ = l.ExtentBytes(a.Extents()[0])
	hdr = DecodeLogExtentHeader(buf[:LogExtentHeaderSize])
	require.Equal(t, uint64(0xCAFE), hdr.Checksum)

	// Force a roll: LAS rounds each 64-byte request up to its 4096-byte
	// minimum extent, so a payload larger than that must land in a second
	// extent linked from the first's Next.
	big := make([]byte, 4096)
	_, err = a.AppendEntry(context.Background(), byte(RecordSet), big)
	require.NoError(t, err)
	require.Len(t, a.Extents(), 2)

	firstBuf, _ := l.ExtentBytes(a.Extents()[0])
	firstHdr := DecodeLogExtentHeader(firstBuf[:LogExtentHeaderSize])
	require.False(t, firstHdr.Next.IsNull())
	require.Equal(t, a.Extents()[1].Slice.Offset, firstHdr.Next.IndirectOffset())
}

func TestVASAllocAndReadDirectRoundTrip(t *testing.T) {
	l := newTestLAS(t)
	v := New(l, Options{ObjectAllocExtentSize: 256, LogAllocExtentSize: 256})
	l.SetCallbacks(v.Callbacks())

	objAlloc := v.NewObjectAllocator()
	offset, buf, err := objAlloc.Alloc(context.Background(), 0, 8)
	require.NoError(t, err)
	hdr := Header{BodySize: 8, Version: Direct(1), Parent: las.Null, Other: las.Null}
	EncodeHeader(buf, hdr)
	copy(Payload(buf), []byte("deadbeef"))

	gotHdr, gotBody, err := v.ReadDirect(context.Background(), offset)
	require.NoError(t, err)
	require.Equal(t, hdr, gotHdr)
	require.Equal(t, []byte("deadbeef"), gotBody)
}

func TestSchemaRegistryResolvesMultiHopUpgrade(t *testing.T) {
	reg := NewSchemaRegistry()
	v1, v2, v3 := HashSchema("v1"), HashSchema("v2"), HashSchema("v3")
	reg.RegisterUpgrade(v1, v2, func(b []byte) ([]byte, error) { return append(b, '2'), nil })
	reg.RegisterUpgrade(v2, v3, func(b []byte) ([]byte, error) { return append(b, '3'), nil })

	out, err := reg.Resolve(v1, v3, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("x23"), out)
}

func TestSchemaRegistryNoPathIsError(t *testing.T) {
	reg := NewSchemaRegistry()
	_, err := reg.Resolve(HashSchema("a"), HashSchema("b"), nil)
	require.Error(t, err)
}
