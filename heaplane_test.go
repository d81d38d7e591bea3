package heaplane

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heaplane/heaplane/internal/source"
)

func newTestSources(t *testing.T) []source.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmem.dat")
	pmem, err := source.OpenFileSource(path, 4<<20, 0, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pmem.Close() })
	dram := source.NewMemorySource(1<<20, 4<<20, -1)
	return []source.Source{pmem, dram}
}

// TestOpenBootstrapsAllocWritesAndReopenRecovers exercises scenario S1 (fresh
// heap) into S5 (reopen after a clean close replays the durable log chain)
// end to end: Open, Begin/Alloc/Set/Commit/LinkCommit, Close, then Open again
// against the same Root Location offset and confirm the committed state and
// the in-place Set both survived.
func TestOpenBootstrapsAllocWritesAndReopenRecovers(t *testing.T) {
	ctx := context.Background()
	sources := newTestSources(t)

	h, err := Open(ctx, Options{Sources: sources})
	require.NoError(t, err)

	tx := h.Begin()
	slot := h.Root().RootSlot()
	require.NoError(t, tx.Alloc(ctx, slot, 0, 8))
	require.NoError(t, tx.Set(ctx, slot, 0, []byte("hello")))
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, h.LinkCommit(ctx, result))

	rootOffset := h.Root().Offset()
	require.NoError(t, h.Close())

	h2, err := Open(ctx, Options{Sources: sources, RootOffset: rootOffset})
	require.NoError(t, err)
	defer h2.Close()

	rootPtr := h2.Root().RootSlot().Load(h2.las)
	require.False(t, rootPtr.IsNull())

	reader := h2.vas.NewReader()
	defer reader.Close()
	_, body, err := reader.Read(ctx, rootPtr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body[:len("hello")])
}

func TestBeginAndAbortDoesNotLinkAnything(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Options{Sources: newTestSources(t)})
	require.NoError(t, err)
	defer h.Close()

	tx := h.Begin()
	require.NoError(t, tx.Alloc(ctx, h.Root().RootSlot(), 0, 8))
	tx.Abort()
	require.True(t, h.Root().LogChainSlot().Load(h.las).IsNull())
}

func TestLinkCommitIsNoOpForReadOnlyTransaction(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Options{Sources: newTestSources(t)})
	require.NoError(t, err)
	defer h.Close()

	tx := h.Begin()
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.False(t, result.HasLogHeadLink)
	require.NoError(t, h.LinkCommit(ctx, result))
}
