package rootloc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/source"
	"github.com/heaplane/heaplane/internal/txn"
	"github.com/heaplane/heaplane/internal/vas"
)

func newTestStack(t *testing.T) (*las.LAS, *vas.VAS, *txn.Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmem.dat")
	src, err := source.OpenFileSource(path, 4<<20, 0, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	l, err := las.New([]source.Source{src}, 4096, las.Callbacks{})
	require.NoError(t, err)
	v := vas.New(l, vas.Options{ObjectAllocExtentSize: 256, LogAllocExtentSize: 256})
	l.SetCallbacks(v.Callbacks())
	return l, v, txn.NewEngine(v, txn.Options{})
}

func TestBootstrapRootLocation(t *testing.T) {
	l, _, _ := newTestStack(t)
	root, err := Bootstrap(context.Background(), l)
	require.NoError(t, err)
	require.True(t, root.RootSlot().Load(l).IsNull())
	require.True(t, root.LogChainSlot().Load(l).IsNull())
}

func TestLinkLogChainThenOpenSeesIt(t *testing.T) {
	ctx := context.Background()
	l, _, e := newTestStack(t)
	root, err := Bootstrap(ctx, l)
	require.NoError(t, err)

	tx := e.Begin()
	require.NoError(t, tx.Alloc(ctx, root.RootSlot(), 0, 8))
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	_, err = result.Durability.Get(ctx)
	require.NoError(t, err)
	require.True(t, result.HasLogHeadLink)
	require.NoError(t, root.LinkLogChain(ctx, result.LogHeadOffset))

	reopened, err := Open(ctx, l, root.Offset())
	require.NoError(t, err)
	require.Equal(t, result.LogHeadOffset, reopened.LogChainSlot().Load(l).IndirectOffset())
}

func TestRecoverReplaysSetRecords(t *testing.T) {
	ctx := context.Background()
	l, v, e := newTestStack(t)
	root, err := Bootstrap(ctx, l)
	require.NoError(t, err)

	tx := e.Begin()
	require.NoError(t, tx.Alloc(ctx, root.RootSlot(), 0, 8))
	require.NoError(t, tx.Set(ctx, root.RootSlot(), 0, []byte("patched!")))
	result, err := tx.Commit(ctx)
	require.NoError(t, err)
	_, err = result.Durability.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, root.LinkLogChain(ctx, result.LogHeadOffset))

	applied, err := Recover(ctx, l, l.UpdateLog(), root)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, result.LogHeadOffset, applied[0].Offset)

	ptr := root.RootSlot().Load(l)
	_, body, err := v.ReadDirect(ctx, ptr.IndirectOffset())
	require.NoError(t, err)
	require.Equal(t, []byte("patched!"), body)
}

func TestRecoverOnFreshBootstrapIsEmpty(t *testing.T) {
	// A freshly bootstrapped Root Location has never had a log chain linked
	// in (its LogChainSlot is still Null), the same on-disk shape a crash
	// before the very first commit's durability link would leave behind.
	ctx := context.Background()
	l, _, _ := newTestStack(t)
	root, err := Bootstrap(ctx, l)
	require.NoError(t, err)

	applied, err := Recover(ctx, l, l.UpdateLog(), root)
	require.NoError(t, err)
	require.Empty(t, applied)
}
