// Package herrors defines the sentinel error taxonomy shared by every
// layer of the heap (LAS, VAS, and the transaction engine).
package herrors

import (
	"errors"
	"fmt"

	"github.com/heaplane/heaplane/internal/logging"
)

// Sentinel errors forming the taxonomy of spec §7. Callers compare with
// errors.Is; wrapped context is added with fmt.Errorf("...: %w", err).
var (
	// ErrOutOfSpace is returned once eviction/compaction attempts fail to
	// free enough contiguous space for an allocation.
	ErrOutOfSpace = errors.New("heaplane: out of space")

	// ErrConflictAborted is routine: a transaction lost a slot-level race
	// and must retry. Never wrapped in InvariantViolation.
	ErrConflictAborted = errors.New("heaplane: transaction aborted on conflict")

	// ErrSchemaMismatch indicates the persisted hash of a type differs from
	// the compiled hash and no upgrade path is registered.
	ErrSchemaMismatch = errors.New("heaplane: schema mismatch, no upgrade registered")

	// ErrCorruptLog indicates a checksum mismatch in a log extent; recovery
	// truncates the chain at the first occurrence.
	ErrCorruptLog = errors.New("heaplane: corrupt log entry, checksum mismatch")

	// ErrIOError wraps a propagated Source I/O failure.
	ErrIOError = errors.New("heaplane: source I/O error")
)

// Invariant panics after logging at Crit level: per spec §7, an invariant
// violation (cross-extent slice, double-swizzle, etc.) is fatal and
// terminates the engine. It is never recovered from inside the heap.
func Invariant(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logging.Root().Crit("invariant violation", "detail", msg)
	panic(invariantViolation{msg: msg})
}

// invariantViolation is the panic value raised by Invariant. Recognizing it
// with errors.As lets an outer harness (e.g. a test) distinguish a fatal
// invariant break from an ordinary panic.
type invariantViolation struct{ msg string }

func (e invariantViolation) Error() string {
	return "heaplane: invariant violation: " + e.msg
}

// IO wraps err as an I/O error originating from a Source.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIOError, err)
}
