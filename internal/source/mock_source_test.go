package source_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/heaplane/heaplane/internal/source"
)

// MockSource is a hand-maintained double in the shape mockgen would
// generate for source.Source, used where a real FileSource/MemorySource
// would be overkill — e.g. asserting LAS rejects an atomic-write-size
// violation at Open without standing up a temp file.
type MockSource struct {
	ctrl *gomock.Controller
}

func NewMockSource(ctrl *gomock.Controller) *MockSource { return &MockSource{ctrl: ctrl} }

func (m *MockSource) Capabilities() source.Capabilities {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Capabilities")
	return ret[0].(source.Capabilities)
}

func (m *MockSource) Capacity() uint64 {
	ret := m.ctrl.Call(m, "Capacity")
	return ret[0].(uint64)
}

func (m *MockSource) NUMANode() int { return -1 }

func (m *MockSource) AtomicWriteSize() uint64 {
	ret := m.ctrl.Call(m, "AtomicWriteSize")
	return ret[0].(uint64)
}

func (m *MockSource) MinWriteSize() uint64 {
	ret := m.ctrl.Call(m, "MinWriteSize")
	return ret[0].(uint64)
}

func (m *MockSource) TierRank() source.Tier { return source.TierBlock }

func (m *MockSource) AssignedSliceOffset() uint64 { return 0 }

func (m *MockSource) Bytes() []byte { return nil }

func (m *MockSource) Read(context.Context, uint64, uint64) ([]byte, error) { return nil, nil }
func (m *MockSource) ReadInto(context.Context, uint64, []byte) error       { return nil }
func (m *MockSource) Write(context.Context, uint64, []byte) (int, error)   { return 0, nil }
func (m *MockSource) Flush(context.Context, uint64, uint64) error          { return nil }
func (m *MockSource) Fence(context.Context) error                          { return nil }
func (m *MockSource) IterateLive(context.Context, func(source.LiveObject) error) error {
	return nil
}
func (m *MockSource) Close() error { return nil }

// EXPECT-style helpers, mirroring mockgen's generated recorder pattern.
func (m *MockSource) ExpectCapacity(n uint64) {
	m.ctrl.RecordCall(m, "Capacity").Return(n)
}
func (m *MockSource) ExpectAtomicWriteSize(n uint64) {
	m.ctrl.RecordCall(m, "AtomicWriteSize").Return(n)
}
func (m *MockSource) ExpectMinWriteSize(n uint64) {
	m.ctrl.RecordCall(m, "MinWriteSize").Return(n)
}

func TestValidateRejectsAtomicWriteSmallerThanMinWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockSource(ctrl)
	m.ExpectAtomicWriteSize(1)
	m.ExpectMinWriteSize(8)

	err := source.Validate(m)
	require.ErrorIs(t, err, source.ErrAtomicWriteTooSmall)
}

func TestValidateAcceptsSufficientAtomicWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockSource(ctrl)
	m.ExpectAtomicWriteSize(8)
	m.ExpectMinWriteSize(8)

	require.NoError(t, source.Validate(m))
}
