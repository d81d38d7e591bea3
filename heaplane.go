// Package heaplane implements a multi-tier, heterogeneous, transactional
// persistent heap: DRAM, byte-addressable persistent memory, and block
// storage tiers are federated into one flat Logical Address Space (LAS),
// a Versioned Address Space (VAS) layers MVOCC version chains atop it, and
// a Transaction Engine exposes alloc/free/read/read_for_write/write/set
// against a single named Root Location (spec §1-§7).
package heaplane

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"

	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/logging"
	"github.com/heaplane/heaplane/internal/rootloc"
	"github.com/heaplane/heaplane/internal/source"
	"github.com/heaplane/heaplane/internal/txn"
	"github.com/heaplane/heaplane/internal/vas"
)

// Options configures a heap at Open. There is no builder or fluent config
// layer — this module exposes one flat struct, the way erigon-lib's own
// subsystems take their construction options.
type Options struct {
	// DataDir is advisory-locked for the process's lifetime via
	// github.com/gofrs/flock, enforcing the Non-goal that a heap is never
	// shared open across processes. Empty skips locking (useful for
	// in-memory-only test heaps backed solely by DRAM sources).
	DataDir string

	// Sources are the backing tiers. LAS picks the tier for a fresh
	// allocation by capability and TierRank, not by position in this list.
	// Each Source's AssignedSliceOffset carves out its disjoint region of the
	// flat LAS, and the list must be in ascending AssignedSliceOffset order.
	Sources []source.Source

	// MinExtent is the smallest unit LAS's buddy allocators hand out.
	MinExtent datasize.ByteSize

	// ObjectAllocExtentSize/LogAllocExtentSize size per-transaction
	// allocator requests (§4.3); zero uses VAS's built-in defaults.
	ObjectAllocExtentSize datasize.ByteSize
	LogAllocExtentSize    datasize.ByteSize

	// Lattices registers commutative-merge slots (§9); nil uses an empty
	// registry, meaning no slot tolerates concurrent writers without one
	// aborting.
	Lattices *txn.LatticeRegistry

	// RootOffset names an existing Root Location to resume from. Zero
	// bootstraps a fresh one, appropriate only for a brand-new heap (§8
	// scenario S1); reopening an existing heap at offset 0 would
	// misinterpret its bootstrap-looking root as absent, so callers must
	// persist the Root Location's Offset themselves (e.g. in a Source's
	// reserved superblock region) and pass it back in on every reopen
	// after the first.
	RootOffset uint64
}

// Heap is one open instance of the full stack: the federated address space,
// its version layer, the transaction engine, and the Root Location.
type Heap struct {
	lock *flock.Flock

	las    *las.LAS
	vas    *vas.VAS
	engine *txn.Engine
	root   *rootloc.RootLocation

	log interface {
		Info(string, ...any)
		Warn(string, ...any)
	}

	cancelBg context.CancelFunc
	bgDone   chan struct{}
}

// Open constructs the stack, replays the durable log chain for crash
// recovery (§7, §8 scenario S5), and starts background maintenance
// (promotion, eviction, compaction, log drain — §4.2). RootOffset == 0
// bootstraps an empty heap per scenario S1; otherwise the
// existing Root Location at RootOffset is reopened and recovered.
func Open(ctx context.Context, opts Options) (*Heap, error) {
	var lk *flock.Flock
	if opts.DataDir != "" {
		lk = flock.New(opts.DataDir + "/LOCK")
		ok, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("heaplane: locking %s: %w", opts.DataDir, err)
		}
		if !ok {
			return nil, fmt.Errorf("heaplane: %s is already open by another process", opts.DataDir)
		}
	}

	minExtent := opts.MinExtent
	if minExtent == 0 {
		minExtent = 4 * datasize.KB
	}

	sources := opts.Sources
	if len(sources) == 0 {
		// No backing tiers configured: fall back to a single DRAM-only
		// source, sized off total system memory, so a caller can still
		// open a heap with zero Options for scratch/in-memory use.
		sources = []source.Source{source.NewMemorySource(source.DefaultDRAMCapacity(), 0, -1)}
	}

	l, err := las.New(sources, uint64(minExtent), las.Callbacks{})
	if err != nil {
		unlock(lk)
		return nil, fmt.Errorf("heaplane: constructing LAS: %w", err)
	}

	v := vas.New(l, vas.Options{
		ObjectAllocExtentSize: uint64(opts.ObjectAllocExtentSize),
		LogAllocExtentSize:    uint64(opts.LogAllocExtentSize),
	})
	l.SetCallbacks(v.Callbacks())

	engine := txn.NewEngine(v, txn.Options{Lattices: opts.Lattices})

	var root *rootloc.RootLocation
	if opts.RootOffset == 0 {
		root, err = rootloc.Bootstrap(ctx, l)
		if err != nil {
			unlock(lk)
			return nil, fmt.Errorf("heaplane: bootstrapping root location: %w", err)
		}
	} else {
		root, err = rootloc.Open(ctx, l, opts.RootOffset)
		if err != nil {
			unlock(lk)
			return nil, fmt.Errorf("heaplane: opening root location: %w", err)
		}
		if _, err := rootloc.Recover(ctx, l, l.UpdateLog(), root); err != nil {
			unlock(lk)
			return nil, fmt.Errorf("heaplane: recovery: %w", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	h := &Heap{
		lock:     lk,
		las:      l,
		vas:      v,
		engine:   engine,
		root:     root,
		log:      logging.Component("heaplane"),
		cancelBg: cancel,
		bgDone:   make(chan struct{}),
	}
	go func() {
		defer close(h.bgDone)
		if err := l.RunBackgroundWorkers(bgCtx); err != nil && bgCtx.Err() == nil {
			h.log.Warn("background workers exited", "err", err)
		}
	}()

	return h, nil
}

// Close stops background maintenance and releases the data directory lock.
// It does not flush or quiesce in-flight transactions — callers must commit
// or abort every outstanding Transaction first.
func (h *Heap) Close() error {
	h.cancelBg()
	<-h.bgDone
	if h.lock != nil {
		if err := h.lock.Unlock(); err != nil {
			return fmt.Errorf("heaplane: unlocking %s: %w", h.lock.Path(), err)
		}
	}
	return nil
}

// Begin starts a new Transaction (§4.5).
func (h *Heap) Begin() *txn.Transaction { return h.engine.Begin() }

// Root returns the heap's Root Location, whose RootSlot and LogChainSlot
// are the entry points every transaction ultimately chains from.
func (h *Heap) Root() *rootloc.RootLocation { return h.root }

// LinkCommit implements durability staging step 5 (§4.5): once result's
// Durability future resolves, the caller links its log chain into the Root
// Location so the next recovery walk finds it. Read-only commits have
// nothing to link (HasLogHeadLink is false) and this is a no-op.
func (h *Heap) LinkCommit(ctx context.Context, result txn.CommitResult) error {
	if !result.HasLogHeadLink {
		return nil
	}
	if _, err := result.Durability.Get(ctx); err != nil {
		return fmt.Errorf("heaplane: commit never became durable: %w", err)
	}
	return h.root.LinkLogChain(ctx, result.LogHeadOffset)
}

func unlock(lk *flock.Flock) {
	if lk != nil {
		_ = lk.Unlock()
	}
}
