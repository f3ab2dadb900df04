// Package ir implements L2: the relational plan IR that rule and query
// bodies lower to before code generation (spec §4.2). The node set mirrors
// a differential-dataflow query plan: Scan, Filter, Project, Map, Join,
// Semijoin, BloomSemijoin, Aggregate, Negate, FixPoint, IndexProbe.
//
// Rules are lowered into an explicit operator tree, grouped into strata,
// rather than compiled straight to a single monolithic re-eval call, so
// the optimizer passes below have something to rewrite.
package ir

import "inputlayer/internal/langparse"

// Node is implemented by every plan operator.
type Node interface {
	node()
	// Columns returns the ordered variable names the operator's output rows
	// are bound against, used for join-key inference and projection.
	Columns() []string
}

// Scan reads a base or derived relation by name.
type Scan struct {
	Relation string
	Vars     []string // variable name bound to each column position; "" for a wildcard/const position
	Bound    map[int]langparse.Term // positions bound to a constant, pushed down by sideways-information-passing
}

func (Scan) node()             {}
func (s Scan) Columns() []string { return s.Vars }

// Filter keeps rows satisfying a comparison.
type Filter struct {
	Input Node
	Op    langparse.CompareOp
	Left  langparse.Term
	Right langparse.Term
}

func (Filter) node()               {}
func (f Filter) Columns() []string { return f.Input.Columns() }

// Project restricts (and reorders) the visible columns.
type Project struct {
	Input Node
	Vars  []string
}

func (Project) node()               {}
func (p Project) Columns() []string { return p.Vars }

// Map computes additional columns via a built-in function (e.g.
// hnsw_nearest's distance column).
type Map struct {
	Input   Node
	Name    string // the bound output column name
	FnName  string
	FnArgs  []langparse.Term
}

func (Map) node() {}
func (m Map) Columns() []string {
	return append(append([]string{}, m.Input.Columns()...), m.Name)
}

// JoinKind distinguishes the join family.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinSemijoin
	JoinBloomSemijoin
)

// Join combines two inputs on their common variable columns.
type Join struct {
	Kind        JoinKind
	Left, Right Node
	// JoinVars are the shared variable names the two inputs are joined on.
	JoinVars []string
}

func (Join) node() {}
func (j Join) Columns() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range j.Left.Columns() {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if j.Kind == JoinInner {
		for _, c := range j.Right.Columns() {
			if c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// AggFunc enumerates the aggregation functions spec §3 allows in head terms.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggTopK  AggFunc = "top_k"
)

// Aggregate groups Input by GroupVars and computes one aggregation per
// output column.
type Aggregate struct {
	Input     Node
	GroupVars []string
	Func      AggFunc
	Args      []langparse.Term
	OutputCol string
}

func (Aggregate) node() {}
func (a Aggregate) Columns() []string {
	return append(append([]string{}, a.GroupVars...), a.OutputCol)
}

// Negate filters Outer to rows with no matching row in Inner on JoinVars
// (spec's `!pred(...)` body literal).
type Negate struct {
	Outer, Inner Node
	JoinVars     []string
}

func (Negate) node()               {}
func (n Negate) Columns() []string { return n.Outer.Columns() }

// FixPoint wraps one rule's plan subtree so it is iterated to a fixpoint
// over Relation rather than evaluated once (spec §4.3).
type FixPoint struct {
	Body     Node
	Relation string // the relation this scope ultimately materializes
}

func (FixPoint) node()               {}
func (f FixPoint) Columns() []string { return f.Body.Columns() }

// TopK keeps only the K rows with the extremal SortVar value (ties broken by
// input order), the plan shape a rule head's `top_k<K, vars..., dir>`
// aggregation (spec §3 "aggregations") lowers to. Unlike Aggregate, which
// collapses a group to one output column, TopK emits up to K whole rows, so
// it cannot be expressed as an Aggregate over a single OutputCol.
type TopK struct {
	Input   Node
	K       int
	Vars    []string // output columns, in head order
	SortVar string
	Desc    bool
}

func (TopK) node()               {}
func (t TopK) Columns() []string { return t.Vars }

// IndexProbe is the plan node for `hnsw_nearest(index, query, k[, ef])`: it
// probes an HNSW index directly rather than scanning the base relation.
type IndexProbe struct {
	Index     string
	Query     langparse.Term
	K         int
	EfSearch  int // 0 means "use the index's configured default"
	IDCol     string
	DistCol   string
}

func (IndexProbe) node()               {}
func (i IndexProbe) Columns() []string { return []string{i.IDCol, i.DistCol} }

// ScansOwnHead reports whether node scans relation anywhere beneath it —
// the true-self-recursion test a rule's compiled plan needs before
// deciding whether to wrap itself in a FixPoint. Mutual recursion across
// distinct relations is deliberately out of scope here: it converges
// through an external round-robin recompute of the whole affected group,
// not through any single rule wrapping its own plan.
func ScansOwnHead(node Node, relation string) bool {
	switch n := node.(type) {
	case Scan:
		return n.Relation == relation
	case Filter:
		return ScansOwnHead(n.Input, relation)
	case Project:
		return ScansOwnHead(n.Input, relation)
	case Map:
		return ScansOwnHead(n.Input, relation)
	case Join:
		return ScansOwnHead(n.Left, relation) || ScansOwnHead(n.Right, relation)
	case Aggregate:
		return ScansOwnHead(n.Input, relation)
	case Negate:
		return ScansOwnHead(n.Outer, relation) || ScansOwnHead(n.Inner, relation)
	case FixPoint:
		return ScansOwnHead(n.Body, relation)
	case TopK:
		return ScansOwnHead(n.Input, relation)
	default:
		return false
	}
}
