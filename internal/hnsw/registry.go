package hnsw

import (
	"fmt"
	"sync"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

// Declaration is the `.index create` surface (spec §4.9): one index per
// (relation, column) with a metric and HNSW params.
type Declaration struct {
	Name     string
	Relation string
	Column   string
	Metric   Metric
	Params   Params
}

// entry pairs an Index with the id<->value.Value mapping needed to route
// between the runtime's tuple-oriented world and HNSW's uint32 ids.
type entry struct {
	idx      *Index
	decl     Declaration
	nextID   uint32
	idOf     map[string]uint32 // row key -> assigned id
	rowOf    map[uint32]value.Value
}

// Registry owns every HNSW index declared within one KG and implements
// runtime.IndexProber (spec §4.9: the runtime routes inserts/deletes to
// the index and resolves `hnsw_nearest` queries through it).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seed    int64
}

// NewRegistry creates an empty per-KG index registry. seed seeds every
// index's layer-assignment RNG; callers should vary it per KG instance.
func NewRegistry(seed int64) *Registry {
	return &Registry{entries: map[string]*entry{}, seed: seed}
}

// Create declares a new index (spec §4.9 `.index create`).
func (r *Registry) Create(decl Declaration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[decl.Name]; exists {
		return coreerr.Conflict(fmt.Sprintf("index %q already exists", decl.Name), nil)
	}
	r.entries[decl.Name] = &entry{
		idx:   New(decl.Relation, decl.Column, decl.Metric, decl.Params, r.seed),
		decl:  decl,
		idOf:  map[string]uint32{},
		rowOf: map[uint32]value.Value{},
	}
	return nil
}

// Drop removes an index declaration entirely.
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return coreerr.NotFound(fmt.Sprintf("index %q not found", name), nil)
	}
	delete(r.entries, name)
	return nil
}

// IndexesFor returns the names of every index declared over relation.
func (r *Registry) IndexesFor(relation string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.entries {
		if e.decl.Relation == relation {
			out = append(out, name)
		}
	}
	return out
}

// OnInsert routes a base-relation insert to every index declared over that
// relation, reading the vector out of the named column (spec §4.9: the
// index is an arrangement sink for (insert, id, vector)).
func (r *Registry) OnInsert(relation string, row value.Tuple, columns []string) error {
	r.mu.RLock()
	names := r.IndexesFor(relation)
	r.mu.RUnlock()
	for _, name := range names {
		r.mu.Lock()
		e := r.entries[name]
		r.mu.Unlock()
		if e == nil {
			continue
		}
		vec, ok := columnVector(row, columns, e.decl.Column)
		if !ok {
			continue
		}
		key := row.String()
		r.mu.Lock()
		id, existing := e.idOf[key]
		if !existing {
			id = e.nextID
			e.nextID++
			e.idOf[key] = id
			e.rowOf[id] = rowAsValue(row)
		}
		r.mu.Unlock()
		e.idx.Insert(id, vec)
	}
	return nil
}

// OnDelete tombstones row in every index declared over relation (spec
// §4.9: (delete, id) routes to hnsw.tombstone).
func (r *Registry) OnDelete(relation string, row value.Tuple) error {
	r.mu.RLock()
	names := r.IndexesFor(relation)
	r.mu.RUnlock()
	key := row.String()
	for _, name := range names {
		r.mu.Lock()
		e := r.entries[name]
		id, ok := e.idOf[key]
		r.mu.Unlock()
		if !ok {
			continue
		}
		e.idx.Tombstone(id)
	}
	return nil
}

// Rebuild eagerly rebuilds one named index (`.index rebuild`).
func (r *Registry) Rebuild(name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return coreerr.NotFound(fmt.Sprintf("index %q not found", name), nil)
	}
	e.idx.Rebuild()
	return nil
}

// Prober implements runtime.IndexProber, resolving `hnsw_nearest(index,
// query, k[, ef_search])` against this registry's indexes.
func (r *Registry) Prober() runtime.IndexProber {
	return func(index string, query value.Value, k, ef int) ([]runtime.IndexHit, error) {
		r.mu.RLock()
		e, ok := r.entries[index]
		r.mu.RUnlock()
		if !ok {
			return nil, coreerr.NotFound(fmt.Sprintf("index %q not found", index), nil)
		}
		vec, ok := query.AsVector()
		if !ok {
			return nil, coreerr.Validation(fmt.Sprintf("index %q query is not a vector", index), nil)
		}
		results := e.idx.Search(vec, k, ef)
		out := make([]runtime.IndexHit, 0, len(results))
		r.mu.RLock()
		for _, res := range results {
			row, ok := e.rowOf[res.ID]
			if !ok {
				continue
			}
			out = append(out, runtime.IndexHit{ID: row, Distance: res.Distance})
		}
		r.mu.RUnlock()
		return out, nil
	}
}

func columnVector(row value.Tuple, columns []string, target string) ([]float32, bool) {
	for i, c := range columns {
		if c != target {
			continue
		}
		vals := row.Values()
		if i >= len(vals) {
			return nil, false
		}
		return vals[i].AsVector()
	}
	return nil, false
}

// rowAsValue packages a whole row as a single value.Value (a vector-typed
// row normally has a single-column identity elsewhere; callers that need
// the original row shape re-look it up via this identity from the base
// relation). A tuple of values.Value does not itself satisfy value.Value,
// so the first column is used as the row's identity for join-back
// purposes; callers typically declare an explicit id column for this.
func rowAsValue(row value.Tuple) value.Value {
	vals := row.Values()
	if len(vals) == 0 {
		return value.Null
	}
	return vals[0]
}
