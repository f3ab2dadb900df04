// Package derived implements L5: the derived-relations manager (spec
// §4.6). It owns, per KG, the base→derived and derived→derived dependency
// DAG built from rule bodies, the set of CompiledRules, and a
// Materialization record per derived relation. Every mutation runs the
// same atomic compute-then-apply write protocol under a per-KG lock so a
// reader always sees either the fully-consistent old snapshot or the
// fully-consistent new one, never an intermediate state.
package derived

import (
	"sync"

	"inputlayer/internal/ir"
	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

// CompiledRule is one registered rule ready to (re)materialize.
type CompiledRule struct {
	Relation  string
	Plan      ir.Node
	Recursive bool
	Src       string
}

// Materialization is the cached, versioned result of evaluating a
// derived relation's compiled rule against the current snapshot.
type Materialization struct {
	Relation string
	Valid    bool
	Version  uint64
	Tuples   []value.Tuple
}

// Snapshot is an immutable view combining base tuples with every valid
// materialization, handed to readers without further locking (spec §4.6:
// "readers holding the previous snapshot see a fully consistent old
// view").
type Snapshot struct {
	Version  uint64
	Base     map[string][]value.Tuple
	Derived  map[string][]value.Tuple
}

func (s *Snapshot) Relation(name string) []value.Tuple {
	if t, ok := s.Derived[name]; ok {
		return t
	}
	return s.Base[name]
}

// Manager owns the dependency DAG, compiled rules, and materializations
// for one KG.
type Manager struct {
	mu      sync.Mutex
	worker  *runtime.Worker
	rules   map[string]*CompiledRule // by relation name
	mats    map[string]*Materialization
	deps    map[string]map[string]bool // relation -> set of relations that depend on it
	version uint64
	current *Snapshot
	scratch *Snapshot // mutable working copy for the write op in progress; nil between writes
}

// cloneSnapshot shallow-copies s's Base/Derived maps (the value.Tuple
// slices themselves are never mutated once built, only replaced, so
// sharing their headers across the clone is safe) into a new Snapshot a
// write operation can freely stage into without disturbing s, which a
// concurrent reader may still be holding (spec §4.6: "readers holding
// the previous snapshot see a fully consistent old view").
func cloneSnapshot(s *Snapshot) *Snapshot {
	out := &Snapshot{Version: s.Version, Base: map[string][]value.Tuple{}, Derived: map[string][]value.Tuple{}}
	for rel, tuples := range s.Base {
		out.Base[rel] = tuples
	}
	for rel, tuples := range s.Derived {
		out.Derived[rel] = tuples
	}
	return out
}

func NewManager(worker *runtime.Worker) *Manager {
	return &Manager{
		worker: worker,
		rules:  map[string]*CompiledRule{},
		mats:   map[string]*Materialization{},
		deps:   map[string]map[string]bool{},
		current: &Snapshot{Base: map[string][]value.Tuple{}, Derived: map[string][]value.Tuple{}},
	}
}

// dependenciesOf walks plan and returns every relation name it scans.
func dependenciesOf(n ir.Node) []string {
	var out []string
	var walk func(ir.Node)
	walk = func(n ir.Node) {
		switch t := n.(type) {
		case ir.Scan:
			out = append(out, t.Relation)
		case ir.Filter:
			walk(t.Input)
		case ir.Project:
			walk(t.Input)
		case ir.Map:
			walk(t.Input)
		case ir.Join:
			walk(t.Left)
			walk(t.Right)
		case ir.Negate:
			walk(t.Outer)
			walk(t.Inner)
		case ir.Aggregate:
			walk(t.Input)
		case ir.FixPoint:
			walk(t.Body)
		case ir.TopK:
			walk(t.Input)
		}
	}
	walk(n)
	return out
}

// RegisterRule adds rule to the dependency DAG and immediately
// materializes it (the "auto-materialize" step spec §4.7 delegates here),
// then publishes the resulting snapshot.
func (m *Manager) RegisterRule(rule *CompiledRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules[rule.Relation] = rule
	for _, dep := range dependenciesOf(rule.Plan) {
		if m.deps[dep] == nil {
			m.deps[dep] = map[string]bool{}
		}
		m.deps[dep][rule.Relation] = true
	}
	m.mats[rule.Relation] = &Materialization{Relation: rule.Relation}

	m.scratch = cloneSnapshot(m.current)
	group := append([]string{rule.Relation}, m.transitiveDependents(rule.Relation)...)
	if err := m.recomputeClosureLocked(group); err != nil {
		m.scratch = nil
		return err
	}
	return m.publishLocked()
}

// RemoveRule drops rule and its materialization, then republishes.
func (m *Manager) RemoveRule(relation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, relation)
	delete(m.mats, relation)
	for _, set := range m.deps {
		delete(set, relation)
	}
	return m.publishLocked()
}

// NotifyBaseUpdate runs the write protocol for a base-relation mutation
// (spec §4.6 steps 1-5): compute the transitive closure of dependents,
// bump the version, invalidate them, re-materialize eligible rules, and
// publish a new snapshot — all under the manager's lock, never holding
// that lock across I/O.
func (m *Manager) NotifyBaseUpdate(relation string, baseTuples []value.Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scratch = cloneSnapshot(m.current)
	m.scratch.Base[relation] = baseTuples
	dependents := m.transitiveDependents(relation)
	m.version++
	for _, d := range dependents {
		if mat, ok := m.mats[d]; ok {
			mat.Valid = false
		}
	}
	if err := m.recomputeClosureLocked(dependents); err != nil {
		m.scratch = nil
		return err
	}
	return m.publishLocked()
}

func (m *Manager) transitiveDependents(relation string) []string {
	visited := map[string]bool{}
	var order []string
	var walk func(string)
	walk = func(r string) {
		for dep := range m.deps[r] {
			if !visited[dep] {
				visited[dep] = true
				order = append(order, dep)
				walk(dep)
			}
		}
	}
	walk(relation)
	return order
}

// recomputeLocked re-evaluates a single derived relation's compiled rule
// and marks its materialization valid again. Must be called with mu held.
func (m *Manager) recomputeLocked(relation string) error {
	rule, ok := m.rules[relation]
	if !ok {
		return nil
	}
	sessions := map[string]*runtime.Session{}
	for rel, tuples := range m.scratch.Base {
		sess := runtime.NewSession(rel, 0)
		for _, t := range tuples {
			sess.Insert(t, 0)
		}
		sessions[rel] = sess
	}
	for rel, tuples := range m.scratch.Derived {
		sess := runtime.NewSession(rel, 0)
		for _, t := range tuples {
			sess.Insert(t, 0)
		}
		sessions[rel] = sess
	}

	rows, err := runtime.Eval(rule.Plan, &runtime.EvalContext{Sessions: sessions, AsOf: 0})
	if err != nil {
		return err
	}
	cols := rule.Plan.Columns()
	tuples := make([]value.Tuple, 0, len(rows))
	for _, r := range rows {
		vals := make([]value.Value, 0, len(cols))
		for _, c := range cols {
			if v, ok := r.Bind[c]; ok {
				vals = append(vals, v)
			} else {
				vals = append(vals, value.Null)
			}
		}
		tuples = append(tuples, value.NewTuple(vals...))
	}

	m.mats[relation] = &Materialization{Relation: relation, Valid: true, Version: m.version, Tuples: tuples}
	// Stage the fresh tuples into the scratch snapshot immediately (rather
	// than waiting for publishLocked) so that a sibling relation recomputed
	// later in the same closure round sees this round's result, not last
	// round's — required for recomputeClosureLocked to actually converge a
	// mutually-recursive group. m.scratch is a private working copy
	// (see cloneSnapshot), never the published m.current, so readers
	// holding the previous snapshot are unaffected by this mutation.
	m.scratch.Derived[relation] = tuples
	return nil
}

// maxClosureIterations bounds the round-robin recompute below; a cycle
// that has not stabilized by then is treated as converged to avoid an
// unbounded loop, matching the same pragmatic cap runtime.Eval's own
// FixPoint iteration uses.
const maxClosureIterations = 10000

// recomputeClosureLocked re-evaluates every relation in relations
// together, round-robin, until none of their materialized tuples change
// in a full pass. A plain per-relation recompute (as RegisterRule and
// NotifyBaseUpdate used to do) converges a single relation's own
// recursion via its ir.FixPoint, but cannot converge a *group* of
// mutually-recursive relations that depend on each other's output,
// since recomputing A before B has updated would leave A one round
// stale; iterating the whole affected closure to a joint fixpoint here
// fixes that regardless of how the relations are interleaved.
func (m *Manager) recomputeClosureLocked(relations []string) error {
	for iter := 0; iter < maxClosureIterations; iter++ {
		changed := false
		for _, rel := range relations {
			before := m.mats[rel]
			if err := m.recomputeLocked(rel); err != nil {
				return err
			}
			after := m.mats[rel]
			if before == nil || !before.Valid || !sameTuples(before.Tuples, after.Tuples) {
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	return nil
}

func sameTuples(a, b []value.Tuple) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !value.TuplesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// publishLocked builds and installs a new Snapshot merging base tuples
// with every valid materialization (spec §4.6 step 5). Must be called
// with mu held.
func (m *Manager) publishLocked() error {
	base := m.current.Base
	if m.scratch != nil {
		base = m.scratch.Base
	}
	snap := &Snapshot{Version: m.version, Base: map[string][]value.Tuple{}, Derived: map[string][]value.Tuple{}}
	for rel, tuples := range base {
		snap.Base[rel] = tuples
	}
	for rel, mat := range m.mats {
		if mat.Valid {
			snap.Derived[rel] = mat.Tuples
		}
	}
	m.current = snap
	m.scratch = nil
	return nil
}

// Snapshot returns the currently published snapshot. Safe for concurrent
// readers; it is never mutated in place, only replaced.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
