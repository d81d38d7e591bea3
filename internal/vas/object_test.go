package vas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaplane/heaplane/internal/las"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		PointersSize: 16,
		BodySize:     48,
		Version:      IndirectTo(0x1234),
		Parent:       las.NewIndirect(77, las.KindObject),
		Other:        las.Null,
	}
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)
	got := DecodeHeader(buf)
	assert.Equal(t, h, got)
}

func TestVersionIndirectRoundTrip(t *testing.T) {
	v := IndirectTo(0xABCD)
	require.True(t, v.IsIndirect())
	assert.Equal(t, uint64(0xABCD), v.Cell())

	d := Direct(7)
	assert.False(t, d.IsIndirect())
	assert.Equal(t, uint64(7), d.Number())
}

func TestPointerSlots(t *testing.T) {
	h := Header{PointersSize: 24}
	slots := PointerSlots(h)
	assert.Equal(t, []uint64{HeaderSize, HeaderSize + 8, HeaderSize + 16}, slots)
}

func TestPayload(t *testing.T) {
	buf := make([]byte, HeaderSize+10)
	for i := range buf[HeaderSize:] {
		buf[HeaderSize+i] = byte(i)
	}
	assert.Equal(t, buf[HeaderSize:], Payload(buf))
}
