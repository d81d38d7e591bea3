// Package logging wires every heaplane component to a single structured
// logger, following the teacher's use of erigon-lib/log/v3 (a log15 fork)
// in place of the standard library's slog.
package logging

import (
	"sync"

	log "github.com/erigontech/erigon-lib/log/v3"
)

var (
	mu   sync.Mutex
	root log.Logger = log.Root()
)

// SetRoot replaces the root logger, e.g. to attach a test handler.
func SetRoot(l log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Root returns the process-wide root logger.
func Root() log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// Component returns a child logger tagged with the given subsystem name,
// matching the teacher's convention of tagging loggers with a short "component"
// key rather than creating per-package logger hierarchies.
func Component(name string) log.Logger {
	return Root().New("component", name)
}
