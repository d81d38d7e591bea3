package txn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/heaplane/heaplane/internal/herrors"
	"github.com/heaplane/heaplane/internal/las"
	"github.com/heaplane/heaplane/internal/logging"
	"github.com/heaplane/heaplane/internal/metrics"
	"github.com/heaplane/heaplane/internal/vas"
)

// Options configures the transaction engine.
type Options struct {
	Lattices *LatticeRegistry
}

// Engine constructs Transactions against one VAS instance (§4.5).
type Engine struct {
	vas  *vas.VAS
	opts Options
	log  interface {
		Info(string, ...any)
		Warn(string, ...any)
	}
}

func NewEngine(v *vas.VAS, opts Options) *Engine {
	if opts.Lattices == nil {
		opts.Lattices = NewLatticeRegistry()
	}
	return &Engine{vas: v, opts: opts, log: logging.Component("txn")}
}

// Transaction is one MVOCC operation sequence (§4.5). Mutating operations
// require exclusive access to tx state (§5); Read may be called
// concurrently with other Reads but not while a mutating operation is in
// flight — callers serialize that themselves, since Go offers no implicit
// "shared vs exclusive self-lock" primitive.
type Transaction struct {
	engine *Engine
	reader *vas.VersionedReader

	mu         sync.Mutex
	writer     bool
	objAlloc   *vas.ObjectAllocator
	logAlloc   *vas.LogAllocator
	touched    []las.Extent    // object extents this tx created, for durability staging
	ownRecords map[uint64]bool // offsets of this tx's own log records, so it can chain off its own in-flight markers

	committed bool
	aborted   bool
}

// Begin opens a new Transaction, snapshotting the VAS version counter via a
// VersionedReader (§4.4).
func (e *Engine) Begin() *Transaction {
	return &Transaction{engine: e, reader: e.vas.NewReader()}
}

func (tx *Transaction) lasHandle() *las.LAS { return tx.engine.vas.LAS() }

func (tx *Transaction) upgradeToWriter(ctx context.Context) {
	if tx.writer {
		return
	}
	tx.objAlloc = tx.engine.vas.NewObjectAllocator()
	tx.logAlloc = tx.engine.vas.NewLogAllocator()
	tx.writer = true
}

// appendRecord writes kind+payload as one framed log record and returns the
// payload's absolute LAS offset, which Free and ReadForWrite plant in the
// slot as a log-entry pointer. New object headers do not point at it; their
// indirect version cell is versionCell (§3, §4.5).
func (tx *Transaction) appendRecord(ctx context.Context, kind vas.RecordKind, payload []byte) (uint64, error) {
	off, err := tx.logAlloc.AppendEntry(ctx, byte(kind), payload)
	if err != nil {
		return 0, err
	}
	if tx.ownRecords == nil {
		tx.ownRecords = make(map[uint64]bool)
	}
	tx.ownRecords[off] = true
	return off, nil
}

// versionCell is the writable version cell every object this transaction
// allocates or writes points its header's indirect Version at. It is the log
// chain's head extent offset, not a per-record address: StampVersion fills
// in exactly that extent's header Version field at commit, and every object
// from the same transaction becomes visible under the same stamped number
// (§3, §4.5).
func (tx *Transaction) versionCell() uint64 {
	off, _ := tx.logAlloc.HeadOffset() // always ok: appendRecord above guarantees at least one extent exists
	return off
}

// Alloc implements §4.5's alloc(slot, size): place a new object in the tx's
// Object Allocator with an uncommitted (indirect) version, and atomically
// swap slot to reference it.
func (tx *Transaction) Alloc(ctx context.Context, slot las.Slot, pointersSize, bodySize uint32) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed || tx.aborted {
		return fmt.Errorf("vas: transaction already finished")
	}
	tx.upgradeToWriter(ctx)

	old := slot.Load(tx.lasHandle())
	if err := tx.checkWriteConflict(ctx, old); err != nil {
		return err
	}

	if _, err := tx.appendRecord(ctx, vas.RecordAlloc, nil); err != nil {
		return err
	}
	objOff, buf, err := tx.objAlloc.Alloc(ctx, pointersSize, bodySize)
	if err != nil {
		return err
	}
	hdr := vas.Header{
		PointersSize: pointersSize,
		BodySize:     bodySize,
		Version:      vas.IndirectTo(tx.versionCell()),
		Parent:       las.NewIndirect(slot.Offset(), las.KindObject),
		Other:        las.Null,
	}
	vas.EncodeHeader(buf, hdr)

	newPtr := las.NewIndirect(objOff, las.KindObject)
	if !slot.CAS(tx.lasHandle(), old, newPtr) {
		return herrors.ErrConflictAborted
	}
	tx.touched = append(tx.touched, tx.objAlloc.Extents()...)
	return nil
}

// Free implements §4.5's free(slot): append a Deallocation record and swap
// slot to the log-entry pointer recording it.
func (tx *Transaction) Free(ctx context.Context, slot las.Slot) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed || tx.aborted {
		return fmt.Errorf("vas: transaction already finished")
	}
	tx.upgradeToWriter(ctx)

	old := slot.Load(tx.lasHandle())
	if err := tx.checkWriteConflict(ctx, old); err != nil {
		return err
	}
	entryOff, err := tx.appendRecord(ctx, vas.RecordFree, nil)
	if err != nil {
		return err
	}
	newPtr := las.NewIndirect(entryOff, las.KindLogEntry)
	if !slot.CAS(tx.lasHandle(), old, newPtr) {
		return herrors.ErrConflictAborted
	}
	return nil
}

// Write implements §4.5's write(slot): allocate a new version, copy the old
// payload, link Other to the old version, repoint the old header's Parent,
// and atomically swap slot.
func (tx *Transaction) Write(ctx context.Context, slot las.Slot, mutate func(body []byte)) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed || tx.aborted {
		return fmt.Errorf("vas: transaction already finished")
	}
	tx.upgradeToWriter(ctx)

	old := slot.Load(tx.lasHandle())
	if err := tx.checkWriteConflict(ctx, old); err != nil {
		return err
	}
	if old.IsNull() {
		return fmt.Errorf("vas: write of a null slot; use Alloc instead")
	}
	oldOffset := old.IndirectOffset()
	oldHdr, oldBody, err := tx.engine.vas.ReadDirect(ctx, oldOffset)
	if err != nil {
		return err
	}

	if _, err := tx.appendRecord(ctx, vas.RecordWrite, nil); err != nil {
		return err
	}
	total := uint32(len(oldBody))
	newOffset, buf, err := tx.objAlloc.Alloc(ctx, oldHdr.PointersSize, total-oldHdr.PointersSize)
	if err != nil {
		return err
	}
	newHdr := vas.Header{
		PointersSize: oldHdr.PointersSize,
		BodySize:     oldHdr.BodySize,
		Version:      vas.IndirectTo(tx.versionCell()),
		Parent:       las.NewIndirect(slot.Offset(), las.KindObject),
		Other:        las.NewIndirect(oldOffset, las.KindObject),
	}
	vas.EncodeHeader(buf, newHdr)
	newBody := vas.Payload(buf)
	copy(newBody, oldBody)
	if mutate != nil {
		mutate(newBody)
	}

	if err := vas.LinkNewVersion(ctx, tx.lasHandle(), newOffset, oldOffset); err != nil {
		return err
	}

	newPtr := las.NewIndirect(newOffset, las.KindObject)
	if !slot.CAS(tx.lasHandle(), old, newPtr) {
		return herrors.ErrConflictAborted
	}
	tx.touched = append(tx.touched, tx.objAlloc.Extents()...)
	return nil
}

// ReadForWrite implements §4.5's read_for_write(slot): emit a ReadForWrite
// record and swap slot to the log-entry pointer recording the intent, so a
// concurrent writer encountering it aborts unless the access is
// lattice-commutative.
func (tx *Transaction) ReadForWrite(ctx context.Context, slot las.Slot) (vas.Header, []byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed || tx.aborted {
		return vas.Header{}, nil, fmt.Errorf("vas: transaction already finished")
	}
	tx.upgradeToWriter(ctx)

	b := newBackoff()
	for {
		old := slot.Load(tx.lasHandle())
		if err := tx.checkWriteConflict(ctx, old); err != nil {
			if err == herrors.ErrConflictAborted {
				return vas.Header{}, nil, err
			}
			return vas.Header{}, nil, err
		}
		entryOff, err := tx.appendRecord(ctx, vas.RecordReadForWrite, nil)
		if err != nil {
			return vas.Header{}, nil, err
		}
		newPtr := las.NewIndirect(entryOff, las.KindLogEntry)
		if slot.CAS(tx.lasHandle(), old, newPtr) {
			if old.IsNull() {
				return vas.Header{}, nil, nil
			}
			hdr, body, err := tx.engine.vas.ReadDirect(ctx, old.IndirectOffset())
			return hdr, body, err
		}
		if err := b.Wait(ctx); err != nil {
			return vas.Header{}, nil, err
		}
	}
}

// Set implements §4.5's set(slot, offset, bytes): append an in-place update
// record to the slot's current object, submitted to LAS's update log only
// once durability staging has completed; the Durability future resolves
// after that update is applied (§4.5's "Log application after durability"). If slot is a lattice-governed merge
// target and another transaction's write is momentarily in flight, Set
// backs off and retries rather than aborting (§9): an in-place merge has
// nothing meaningful to chain from, so it simply waits for a real object to
// land instead of failing the whole transaction over a transient race.
func (tx *Transaction) Set(ctx context.Context, slot las.Slot, bodyOffset uint64, newBytes []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed || tx.aborted {
		return fmt.Errorf("vas: transaction already finished")
	}
	tx.upgradeToWriter(ctx)

	objOffset, err := tx.checkSetConflict(ctx, slot)
	if err != nil {
		return err
	}
	payload := make([]byte, 16+len(newBytes))
	binary.LittleEndian.PutUint64(payload[0:8], objOffset)
	binary.LittleEndian.PutUint64(payload[8:16], bodyOffset)
	copy(payload[16:], newBytes)
	_, err = tx.appendRecord(ctx, vas.RecordSet, payload)
	return err
}

// checkSetConflict resolves slot to the object offset Set should merge
// into. A log-entry pointer with no registered Lattice aborts immediately,
// like any other operation; one with a Lattice registered is a transient
// condition worth waiting out instead.
func (tx *Transaction) checkSetConflict(ctx context.Context, slot las.Slot) (uint64, error) {
	b := newBackoff()
	for {
		cur := slot.Load(tx.lasHandle())
		if cur.Tag() == las.TagIndirect && cur.Kind() == las.KindObject {
			return cur.IndirectOffset(), nil
		}
		if cur.Tag() != las.TagIndirect || cur.Kind() != las.KindLogEntry {
			return 0, fmt.Errorf("vas: set on a slot with no committed object")
		}
		if _, ok := tx.engine.opts.Lattices.Lookup(slot.Offset()); !ok {
			metrics.ConflictAborts.Inc()
			return 0, herrors.ErrConflictAborted
		}
		if err := b.Wait(ctx); err != nil {
			return 0, err
		}
	}
}

// Read implements §4.4's read(slot) from within a transaction using the
// transaction's own snapshot reader. It rejects every log-entry pointer with
// an error, including one this same transaction wrote; it does not resolve a
// log-entry pointer to the object it stands for.
func (tx *Transaction) Read(ctx context.Context, slot las.Pointer) (vas.Header, []byte, error) {
	if slot.Tag() == las.TagIndirect && slot.Kind() == las.KindLogEntry {
		return vas.Header{}, nil, fmt.Errorf("vas: read of a log-entry pointer requires resolving via the owning transaction's slot")
	}
	return tx.reader.Read(ctx, slot)
}

// checkWriteConflict implements §4.5's conflict resolution on encountering a
// log-entry pointer at a slot a writer is about to swap: a marker this same
// transaction wrote earlier (e.g. its own ReadForWrite) is not a conflict —
// chaining a Write off of it is exactly how read-then-write within one
// transaction works. Any other transaction's in-flight marker always
// aborts Alloc/Free/Write/ReadForWrite: each needs a coherent prior object
// (or Null) to chain its new version from or to CAS against, and a
// concurrent writer's marker is neither. Lattices only relax this for Set
// (see checkSetConflict), whose effect is a commutative in-place merge
// rather than a version-chain append.
func (tx *Transaction) checkWriteConflict(ctx context.Context, old las.Pointer) error {
	if old.Tag() != las.TagIndirect || old.Kind() != las.KindLogEntry {
		return nil
	}
	if tx.ownRecords[old.IndirectOffset()] {
		return nil
	}
	metrics.ConflictAborts.Inc()
	return herrors.ErrConflictAborted
}

// Abort discards the transaction's Object and Log Allocators. Per §5,
// abandoned allocations retain version=0 and are discarded by readers; no
// dedicated rollback list is maintained.
func (tx *Transaction) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.aborted = true
	tx.reader.Close()
}
