package txn

import "sync"

// Lattice is the §9-sanctioned mechanism letting two writers succeed on the
// same slot: a commutative merge operator registered at open, consulted
// instead of aborting when a write-conflict would otherwise occur.
// "Lattices (a value plus a persisted merge operator registered at open) are
// the only way two writers may succeed on the same slot."
//
// In this module a registered lattice only lets Set wait out another
// transaction's log-entry marker on the slot instead of aborting; the
// transaction engine does not call Merge.
type Lattice interface {
	// Merge combines the previously-committed body with a concurrently
	// written body, producing the body the slot should hold after both
	// writers' effects are reflected. Merge must be commutative and
	// associative across any interleaving of concurrent writers.
	Merge(old, new []byte) []byte
}

// LatticeRegistry maps a slot identity (its absolute LAS offset) to the
// Lattice governing concurrent writes to it. A slot with no registered
// lattice falls back to ordinary first-committer-wins conflict resolution.
type LatticeRegistry struct {
	mu    sync.RWMutex
	byOff map[uint64]Lattice
}

func NewLatticeRegistry() *LatticeRegistry {
	return &LatticeRegistry{byOff: make(map[uint64]Lattice)}
}

// Register associates lat with the slot at offset.
func (r *LatticeRegistry) Register(offset uint64, lat Lattice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOff[offset] = lat
}

// Lookup returns the lattice registered for offset, if any.
func (r *LatticeRegistry) Lookup(offset uint64) (Lattice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byOff[offset]
	return l, ok
}
