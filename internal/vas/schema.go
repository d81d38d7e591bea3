package vas

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/heaplane/heaplane/internal/herrors"
)

// SchemaID tags the shape a type's body bytes are expected to have:
// field layout, pointer positions, and version. Objects carry no such tag
// themselves (the 32-byte header has no room for one); callers that need
// schema checking pass their own SchemaID alongside the pointer, and the
// registry tells them whether an upgrade function must run first.
type SchemaID uint64

// HashSchema derives a SchemaID from a human-readable schema descriptor
// (e.g. a struct's field names and types, serialized canonically by the
// caller), using the teacher's xxhash-based stable-hash convention.
func HashSchema(descriptor string) SchemaID {
	return SchemaID(xxhash.Sum64String(descriptor))
}

// UpgradeFunc transforms a body encoded under `from` into one encoded under
// `to`. Resolve searches the registered edges breadth-first and skips
// schemas it has already visited.
type UpgradeFunc func(body []byte) ([]byte, error)

type upgradeEdge struct {
	to SchemaID
	fn UpgradeFunc
}

// SchemaRegistry is the schema oracle: it detects a stored object's schema
// mismatching the caller's expected schema and, if an upgrade path is
// registered, returns the upgraded bytes rather than failing the read
// (acceptance scenario S6). The upgraded bytes are not written back to the
// stored object.
type SchemaRegistry struct {
	mu    sync.RWMutex
	edges map[SchemaID][]upgradeEdge
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{edges: make(map[SchemaID][]upgradeEdge)}
}

// RegisterUpgrade adds a from->to transform to the graph.
func (r *SchemaRegistry) RegisterUpgrade(from, to SchemaID, fn UpgradeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[from] = append(r.edges[from], upgradeEdge{to: to, fn: fn})
}

// Resolve returns body re-encoded under want, running registered upgrades
// along a path from have if one exists. If have == want, body is returned
// unchanged. If no path exists, it returns herrors.ErrSchemaMismatch.
func (r *SchemaRegistry) Resolve(have, want SchemaID, body []byte) ([]byte, error) {
	if have == want {
		return body, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := map[SchemaID]bool{have: true}
	type step struct {
		id   SchemaID
		body []byte
	}
	queue := []step{{id: have, body: body}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range r.edges[cur.id] {
			if visited[e.to] {
				continue
			}
			next, err := e.fn(cur.body)
			if err != nil {
				return nil, fmt.Errorf("vas: schema upgrade %d->%d: %w", cur.id, e.to, err)
			}
			if e.to == want {
				return next, nil
			}
			visited[e.to] = true
			queue = append(queue, step{id: e.to, body: next})
		}
	}
	return nil, fmt.Errorf("vas: %w: no upgrade path from schema %d to %d", herrors.ErrSchemaMismatch, have, want)
}
