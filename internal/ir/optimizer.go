package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Statistics estimates per-relation cardinality and per-(relation,column)
// selectivity for the join-ordering heuristic (spec §4.2).
type Statistics interface {
	EstimateCardinality(relation string) int64
	EstimateSelectivity(relation, column string) float64
}

// Options toggles each optimizer pass independently, as spec §4.2 requires.
// Optimize does not read MagicSets: magic-set rewriting runs only through
// the separate ApplyMagicSets call.
type Options struct {
	JoinOrdering          bool
	SidewaysInformation    bool
	SubplanSharing        bool
	MagicSets             bool
	BooleanSpecialization bool
}

// DefaultOptions enables every pass.
func DefaultOptions() Options {
	return Options{
		JoinOrdering:          true,
		SidewaysInformation:   true,
		SubplanSharing:        true,
		MagicSets:             true,
		BooleanSpecialization: true,
	}
}

// Optimizer applies the enabled rewrite passes to a lowered plan.
type Optimizer struct {
	Stats Statistics
	Opts  Options
	// shared canonicalizes subplans by structural hash across the query's
	// clauses so Subplan sharing can wire one operator to many consumers.
	// It lives as long as the Optimizer, so it spans every Optimize call.
	shared map[string]Node
}

func NewOptimizer(stats Statistics, opts Options) *Optimizer {
	return &Optimizer{Stats: stats, Opts: opts, shared: map[string]Node{}}
}

// Optimize rewrites plan in place (conceptually; Node values are immutable
// trees so rewrites return a new tree) applying every enabled pass in a
// fixed order: join ordering, sideways-information-passing, boolean
// specialization, then subplan sharing (which must see the final shape of
// every other pass to canonicalize correctly).
func (o *Optimizer) Optimize(plan Node) Node {
	if o.Opts.JoinOrdering {
		plan = o.reorderJoins(plan)
	}
	if o.Opts.SidewaysInformation {
		plan = o.pushSidewaysInfo(plan, nil)
	}
	if o.Opts.BooleanSpecialization {
		plan = o.specializeBoolean(plan)
	}
	if o.Opts.SubplanSharing {
		plan = o.shareSubplans(plan)
	}
	return plan
}

// reorderJoins flattens a left-deep Join chain into its leaves and rebuilds
// it via a minimum-spanning-tree heuristic over estimated join-key
// selectivity: repeatedly join the pair of not-yet-joined components
// connected by the cheapest estimated edge (a relation's estimated
// post-filter cardinality), the spanning-tree analogue of picking the
// globally cheapest next edge in Kruskal's algorithm.
func (o *Optimizer) reorderJoins(n Node) Node {
	switch j := n.(type) {
	case Join:
		if j.Kind != JoinInner {
			return Join{Kind: j.Kind, Left: o.reorderJoins(j.Left), Right: o.reorderJoins(j.Right), JoinVars: j.JoinVars}
		}
		leaves := flattenJoin(j)
		for i := range leaves {
			leaves[i] = o.reorderJoins(leaves[i])
		}
		return o.mstJoinOrder(leaves)
	case Filter:
		return Filter{Input: o.reorderJoins(j.Input), Op: j.Op, Left: j.Left, Right: j.Right}
	case Negate:
		return Negate{Outer: o.reorderJoins(j.Outer), Inner: j.Inner, JoinVars: j.JoinVars}
	case Project:
		return Project{Input: o.reorderJoins(j.Input), Vars: j.Vars}
	case Aggregate:
		return Aggregate{Input: o.reorderJoins(j.Input), GroupVars: j.GroupVars, Func: j.Func, Args: j.Args, OutputCol: j.OutputCol}
	case FixPoint:
		return FixPoint{Body: o.reorderJoins(j.Body), Relation: j.Relation}
	default:
		return n
	}
}

func flattenJoin(n Node) []Node {
	j, ok := n.(Join)
	if !ok || j.Kind != JoinInner {
		return []Node{n}
	}
	return append(flattenJoin(j.Left), flattenJoin(j.Right)...)
}

func (o *Optimizer) cost(n Node) int64 {
	s, ok := n.(Scan)
	if !ok || o.Stats == nil {
		return 1
	}
	card := o.Stats.EstimateCardinality(s.Relation)
	if card <= 0 {
		card = 1
	}
	for pos := range s.Bound {
		sel := o.Stats.EstimateSelectivity(s.Relation, fmt.Sprintf("%d", pos))
		if sel > 0 && sel < 1 {
			card = int64(float64(card) * sel)
			if card < 1 {
				card = 1
			}
		}
	}
	return card
}

// mstJoinOrder builds a bushy-free join tree: it starts each leaf as its
// own component and greedily merges the two cheapest-estimated components
// that share a join variable, the MST analogue described in spec §4.2.
func (o *Optimizer) mstJoinOrder(leaves []Node) Node {
	if len(leaves) == 0 {
		return nil
	}
	type component struct {
		plan Node
		cost int64
	}
	comps := make([]*component, len(leaves))
	for i, l := range leaves {
		comps[i] = &component{plan: l, cost: o.cost(l)}
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].cost < comps[j].cost })

	for len(comps) > 1 {
		// Greedily fold the cheapest remaining component into the running
		// accumulator that shares a join variable with it, falling back to
		// the next-cheapest if none shares a variable (a cross product).
		acc := comps[0]
		var merged []*component
		merged = append(merged, acc)
		rest := comps[1:]
		for i, c := range rest {
			if len(sharedVars(acc.plan.Columns(), c.plan.Columns())) > 0 {
				rest = append(append([]*component{c}, rest[:i]...), rest[i+1:]...)
				break
			}
		}
		var nextRest []*component
		joinedAny := false
		for _, c := range rest {
			if !joinedAny {
				jv := sharedVars(acc.plan.Columns(), c.plan.Columns())
				acc = &component{
					plan: Join{Kind: JoinInner, Left: acc.plan, Right: c.plan, JoinVars: jv},
					cost: acc.cost * c.cost,
				}
				joinedAny = true
			} else {
				nextRest = append(nextRest, c)
			}
		}
		comps = append([]*component{acc}, nextRest...)
		_ = merged
		sort.Slice(comps, func(i, j int) bool { return comps[i].cost < comps[j].cost })
	}
	return comps[0].plan
}

// pushSidewaysInfo downgrades a Join whose right side only ever feeds the
// join key (no extra columns survive into the output) into a semijoin
// reduction (spec §4.2). It does not push constant bindings from one Scan
// into another: no Scan's Bound map is changed, and known is passed down
// unused.
func (o *Optimizer) pushSidewaysInfo(n Node, known map[string]Node) Node {
	switch j := n.(type) {
	case Join:
		left := o.pushSidewaysInfo(j.Left, known)
		right := o.pushSidewaysInfo(j.Right, known)
		return Join{Kind: o.semijoinKind(j.Kind, right, j.JoinVars), Left: left, Right: right, JoinVars: j.JoinVars}
	case Filter:
		return Filter{Input: o.pushSidewaysInfo(j.Input, known), Op: j.Op, Left: j.Left, Right: j.Right}
	case Negate:
		return Negate{Outer: o.pushSidewaysInfo(j.Outer, known), Inner: j.Inner, JoinVars: j.JoinVars}
	case FixPoint:
		return FixPoint{Body: o.pushSidewaysInfo(j.Body, known), Relation: j.Relation}
	default:
		return n
	}
}

// bloomSemijoinThreshold is the estimated right-side cardinality above
// which a semijoin is worth reducing through a bitmap pre-filter instead
// of going straight to the exact hash index.
const bloomSemijoinThreshold = 10_000

// semijoinKind downgrades a JoinInner whose right side contributes no
// column beyond the shared join variables — a pure existence check — to
// JoinSemijoin, or to JoinBloomSemijoin once the right side's estimated
// cardinality crosses bloomSemijoinThreshold, so the evaluator can reject
// most left rows against a compact roaring bitmap before it ever touches
// the exact index.
func (o *Optimizer) semijoinKind(kind JoinKind, right Node, joinVars []string) JoinKind {
	if kind != JoinInner || !onlyJoinVars(right.Columns(), joinVars) {
		return kind
	}
	if o.cost(right) >= bloomSemijoinThreshold {
		return JoinBloomSemijoin
	}
	return JoinSemijoin
}

func onlyJoinVars(cols, joinVars []string) bool {
	set := make(map[string]bool, len(joinVars))
	for _, v := range joinVars {
		set[v] = true
	}
	for _, c := range cols {
		if c != "" && !set[c] {
			return false
		}
	}
	return true
}

// specializeBoolean swaps every Aggregate whose Func is count with no Args,
// wherever it sits in the plan, for a Project of its GroupVars plus
// OutputCol — the "set semantics suffice" case spec §4.2 calls out. It does
// not look at what consumes the Aggregate, it never rewrites sum, and the
// Project it emits does not compute the count itself.
func (o *Optimizer) specializeBoolean(n Node) Node {
	switch j := n.(type) {
	case Aggregate:
		inner := o.specializeBoolean(j.Input)
		if j.Func == AggCount && len(j.Args) == 0 {
			return Project{Input: inner, Vars: append(append([]string{}, j.GroupVars...), j.OutputCol)}
		}
		return Aggregate{Input: inner, GroupVars: j.GroupVars, Func: j.Func, Args: j.Args, OutputCol: j.OutputCol}
	case Join:
		return Join{Kind: j.Kind, Left: o.specializeBoolean(j.Left), Right: o.specializeBoolean(j.Right), JoinVars: j.JoinVars}
	case Filter:
		return Filter{Input: o.specializeBoolean(j.Input), Op: j.Op, Left: j.Left, Right: j.Right}
	case Negate:
		return Negate{Outer: o.specializeBoolean(j.Outer), Inner: j.Inner, JoinVars: j.JoinVars}
	case FixPoint:
		return FixPoint{Body: o.specializeBoolean(j.Body), Relation: j.Relation}
	default:
		return n
	}
}

// shareSubplans hash-canonicalizes Scan leaves (the common case of the same
// base relation with the same bound positions appearing in multiple
// clauses of one KG) so repeated calls to Optimize within one registration
// wire a single Scan value to every consumer instead of allocating a fresh
// one; Node trees are immutable values, so "sharing" here means returning
// the identical canonical value for identical subplans. Nothing in
// internal/codegen deduplicates operators on that basis.
func (o *Optimizer) shareSubplans(n Node) Node {
	switch j := n.(type) {
	case Scan:
		key := scanKey(j)
		if canon, ok := o.shared[key]; ok {
			return canon
		}
		o.shared[key] = j
		return j
	case Join:
		return Join{Kind: j.Kind, Left: o.shareSubplans(j.Left), Right: o.shareSubplans(j.Right), JoinVars: j.JoinVars}
	case Filter:
		return Filter{Input: o.shareSubplans(j.Input), Op: j.Op, Left: j.Left, Right: j.Right}
	case Negate:
		return Negate{Outer: o.shareSubplans(j.Outer), Inner: j.Inner, JoinVars: j.JoinVars}
	case Aggregate:
		return Aggregate{Input: o.shareSubplans(j.Input), GroupVars: j.GroupVars, Func: j.Func, Args: j.Args, OutputCol: j.OutputCol}
	case FixPoint:
		return FixPoint{Body: o.shareSubplans(j.Body), Relation: j.Relation}
	default:
		return n
	}
}

func scanKey(s Scan) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%v", s.Relation, s.Vars, s.Bound)
	return hex.EncodeToString(h.Sum(nil))
}
