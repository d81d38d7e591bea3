package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heaplane/heaplane/internal/herrors"
	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/source"
	"github.com/heaplane/heaplane/internal/vas"
)

// newTestEngine wires a real temp-file-backed LAS, a VAS atop it, and an
// Engine, the way heaplane.Open does at the top level.
func newTestEngine(t *testing.T) (*Engine, *las.LAS) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmem.dat")
	src, err := source.OpenFileSource(path, 4<<20, 0, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	l, err := las.New([]source.Source{src}, 4096, las.Callbacks{})
	require.NoError(t, err)

	v := vas.New(l, vas.Options{ObjectAllocExtentSize: 512, LogAllocExtentSize: 512})
	l.SetCallbacks(v.Callbacks())

	return NewEngine(v, Options{}), l
}

// rootSlot allocates a standalone 8-byte pointer cell to stand in for a
// root-location slot, without pulling in the rootloc package.
func rootSlot(t *testing.T, l *las.LAS) las.Slot {
	t.Helper()
	ext, _, err := l.Alloc(context.Background(), 64)
	require.NoError(t, err)
	return las.Slot{Ext: ext, RelOffset: 0}
}

func TestAllocThenReadVisibleAfterCommit(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	tx := e.Begin()
	require.NoError(t, tx.Alloc(ctx, slot, 0, 8))
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	_, err = result.Durability.Get(ctx)
	require.NoError(t, err)

	reader := e.vas.NewReader()
	defer reader.Close()
	ptr := slot.Load(l)
	require.False(t, ptr.IsNull())
	hdr, _, err := reader.Read(ctx, ptr)
	require.NoError(t, err)
	require.Equal(t, uint32(8), hdr.BodySize)
}

func TestWriteCreatesNewVersionLinkedToOld(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	tx1 := e.Begin()
	require.NoError(t, tx1.Alloc(ctx, slot, 0, 8))
	_, err := tx1.Commit(ctx)
	require.NoError(t, err)

	oldPtr := slot.Load(l)

	tx2 := e.Begin()
	require.NoError(t, tx2.Write(ctx, slot, func(body []byte) { copy(body, []byte("abcdefgh")) }))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)

	newPtr := slot.Load(l)
	require.NotEqual(t, oldPtr, newPtr)

	reader := e.vas.NewReader()
	defer reader.Close()
	hdr, body, err := reader.Read(ctx, newPtr)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), body)
	require.Equal(t, oldPtr, hdr.Other)
}

func TestConflictingWriteAborts(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	setup := e.Begin()
	require.NoError(t, setup.Alloc(ctx, slot, 0, 8))
	_, err := setup.Commit(ctx)
	require.NoError(t, err)

	tx1 := e.Begin()
	_, _, err = tx1.ReadForWrite(ctx, slot)
	require.NoError(t, err)

	tx2 := e.Begin()
	err = tx2.Write(ctx, slot, nil)
	require.ErrorIs(t, err, herrors.ErrConflictAborted)
}

func TestWriteAfterOwnReadForWriteChains(t *testing.T) {
	// A transaction must be able to Write a slot it marked with its own
	// earlier ReadForWrite — the marker is not a foreign conflict.
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	setup := e.Begin()
	require.NoError(t, setup.Alloc(ctx, slot, 0, 8))
	_, err := setup.Commit(ctx)
	require.NoError(t, err)

	tx := e.Begin()
	_, _, err = tx.ReadForWrite(ctx, slot)
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, slot, func(body []byte) { copy(body, []byte("chained!")) }))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
}

type identityLattice struct{}

func (identityLattice) Merge(old, new []byte) []byte { return new }

func TestSetAppendsInPlaceUpdateRecord(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	tx := e.Begin()
	require.NoError(t, tx.Alloc(ctx, slot, 0, 8))
	require.NoError(t, tx.Set(ctx, slot, 0, []byte("XYZ")))
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	_, err = result.Durability.Get(ctx)
	require.NoError(t, err)

	ptr := slot.Load(l)
	_, body, err := e.vas.ReadDirect(ctx, ptr.IndirectOffset())
	require.NoError(t, err)
	require.Equal(t, []byte("XYZ\x00\x00\x00\x00\x00"), body)
}

func TestSetWithoutCommittedObjectErrors(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	tx := e.Begin()
	err := tx.Set(ctx, slot, 0, []byte("x"))
	require.Error(t, err)
}

func TestSetOnForeignMarkerWithoutLatticeAborts(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	setup := e.Begin()
	require.NoError(t, setup.Alloc(ctx, slot, 0, 8))
	_, err := setup.Commit(ctx)
	require.NoError(t, err)

	tx1 := e.Begin()
	_, _, err = tx1.ReadForWrite(ctx, slot)
	require.NoError(t, err)

	tx2 := e.Begin()
	err = tx2.Set(ctx, slot, 0, []byte("x"))
	require.ErrorIs(t, err, herrors.ErrConflictAborted)
}

func TestSetOnForeignMarkerWithLatticeWaitsThenSucceeds(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)
	e.opts.Lattices.Register(slot.Offset(), identityLattice{})

	setup := e.Begin()
	require.NoError(t, setup.Alloc(ctx, slot, 0, 8))
	_, err := setup.Commit(ctx)
	require.NoError(t, err)

	tx1 := e.Begin()
	_, _, err = tx1.ReadForWrite(ctx, slot)
	require.NoError(t, err)

	done := make(chan error, 1)
	tx2 := e.Begin()
	go func() { done <- tx2.Set(ctx, slot, 0, []byte("inc")) }()

	// Resolve the marker tx1 left behind into a real committed object;
	// tx2's backoff loop must observe it and proceed.
	require.NoError(t, tx1.Write(ctx, slot, func(body []byte) { copy(body, []byte("resolved")) }))
	_, err = tx1.Commit(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tx2.Set never observed the resolved object")
	}
}

func TestAbortLeavesPriorVersionVisible(t *testing.T) {
	// Per §5, an abandoned write's object retains version=0 forever; no
	// rollback list repoints the slot back. A reader still sees the last
	// committed version because Visible skips uncommitted (version=0) links
	// in the Other chain.
	ctx := context.Background()
	e, l := newTestEngine(t)
	slot := rootSlot(t, l)

	setup := e.Begin()
	require.NoError(t, setup.Alloc(ctx, slot, 0, 8))
	_, err := setup.Commit(ctx)
	require.NoError(t, err)

	tx := e.Begin()
	require.NoError(t, tx.Write(ctx, slot, func(body []byte) { copy(body, []byte("nopenope")) }))
	tx.Abort()

	reader := e.vas.NewReader()
	defer reader.Close()
	ptr := slot.Load(l)
	hdr, body, err := reader.Read(ctx, ptr)
	require.NoError(t, err)
	require.NotEqual(t, []byte("nopenope"), body)
	require.Equal(t, uint32(8), hdr.BodySize)
}
