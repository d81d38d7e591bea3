package vas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordsStopsAtEnd(t *testing.T) {
	buf := make([]byte, LogExtentHeaderSize+64)
	encodeLogExtentHeader(buf, LogExtentHeader{Version: 3})

	off := uint64(LogExtentHeaderSize)
	writeFrame := func(kind RecordKind, payload []byte) {
		frame := recordFrameSize(len(payload))
		buf[off] = byte(kind)
		buf[off+1] = byte(len(payload))
		copy(buf[off+5:], payload)
		off += frame
	}
	writeFrame(RecordAlloc, nil)
	writeFrame(RecordWrite, []byte("hi"))
	buf[off] = byte(RecordEnd)

	records := ParseRecords(0x1000, buf)
	require.Len(t, records, 2)
	assert.Equal(t, RecordAlloc, records[0].Kind)
	assert.Equal(t, RecordWrite, records[1].Kind)
	assert.Equal(t, []byte("hi"), records[1].Payload)
	assert.Equal(t, uint64(0x1000+LogExtentHeaderSize+5), records[0].Offset)
}

func TestParseRecordsMalformedTailStopsCleanly(t *testing.T) {
	buf := make([]byte, LogExtentHeaderSize+8)
	encodeLogExtentHeader(buf, LogExtentHeader{Version: 1})
	// No RecordEnd and not enough room for a 5-byte frame header past the
	// extent header: parsing must stop instead of panicking.
	buf = buf[:LogExtentHeaderSize+3]
	records := ParseRecords(0, buf)
	assert.Empty(t, records)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), alignUp(0))
	assert.Equal(t, uint64(8), alignUp(1))
	assert.Equal(t, uint64(8), alignUp(8))
	assert.Equal(t, uint64(16), alignUp(9))
}

func TestLogExtentHeaderRoundTrip(t *testing.T) {
	h := LogExtentHeader{Version: 42, Checksum: 0xDEADBEEF}
	buf := make([]byte, LogExtentHeaderSize)
	encodeLogExtentHeader(buf, h)
	assert.Equal(t, h, DecodeLogExtentHeader(buf))
}
