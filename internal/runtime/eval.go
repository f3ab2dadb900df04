package runtime

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/ir"
	"inputlayer/internal/langparse"
	"inputlayer/internal/value"
)

// Row is one intermediate result during plan evaluation: a variable
// binding environment plus its net multiplicity (so sum/count aggregates
// over duplicate-bearing relations stay correct without materializing
// each duplicate as a separate Row).
type Row struct {
	Bind map[string]value.Value
	Mult int64
}

func cloneBind(b map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// IndexHit is one result from an HNSW nearest-neighbor probe (L11).
type IndexHit struct {
	ID       value.Value
	Distance float64
}

// IndexProber resolves `hnsw_nearest` IndexProbe nodes against the owning
// KG's HNSW indexes (spec §4.9). A KG wires its real index lookups in;
// evaluation contexts built for plans with no IndexProbe node may leave
// this nil.
type IndexProber func(index string, query value.Value, k, ef int) ([]IndexHit, error)

// EvalContext is everything a plan evaluation needs: every relation's
// current Session (base or derived) and, if the plan includes an
// IndexProbe, the HNSW resolver.
type EvalContext struct {
	Sessions map[string]*Session
	AsOf     uint64
	Probe    IndexProber
}

// Eval recursively evaluates plan against ctx, returning the resulting
// rows. This is a from-scratch (non-differentially-maintained)
// evaluation: each call recomputes its result fully from the current
// consolidated session state. The command/worker machinery around this
// (session.go, worker.go) still gives callers the fire-and-forget write
// and frontier semantics spec §4.5 requires; only the join/aggregate
// evaluation itself is naive rather than incrementally maintained via
// diff propagation, a deliberate scope simplification (see DESIGN.md).
func Eval(plan ir.Node, ctx *EvalContext) ([]Row, error) {
	switch n := plan.(type) {
	case ir.Scan:
		return evalScan(n, ctx)
	case ir.Filter:
		return evalFilter(n, ctx)
	case ir.Join:
		return evalJoin(n, ctx)
	case ir.Negate:
		return evalNegate(n, ctx)
	case ir.Aggregate:
		return evalAggregate(n, ctx)
	case ir.Project:
		return evalProject(n, ctx)
	case ir.Map:
		return evalMap(n, ctx)
	case ir.FixPoint:
		return evalFixPoint(n, ctx)
	case ir.TopK:
		return evalTopK(n, ctx)
	case ir.IndexProbe:
		return evalIndexProbe(n, ctx)
	default:
		return nil, coreerr.Internal(fmt.Sprintf("runtime: unhandled plan node %T", plan), nil)
	}
}

func evalScan(n ir.Scan, ctx *EvalContext) ([]Row, error) {
	sess, ok := ctx.Sessions[n.Relation]
	if !ok {
		return nil, coreerr.NotFound(fmt.Sprintf("relation %q has no session", n.Relation), nil)
	}
	var out []Row
	for _, u := range sess.Consolidated(ctx.AsOf) {
		bind := map[string]value.Value{}
		matched := true
		for i, v := range u.Tuple.Values() {
			if bound, ok := n.Bound[i]; ok {
				if c, isConst := bound.(langparse.Const); isConst {
					if !value.Equal(c.Value, v) {
						matched = false
						break
					}
				}
			}
			if i < len(n.Vars) && n.Vars[i] != "" {
				bind[n.Vars[i]] = v
			}
		}
		if matched {
			out = append(out, Row{Bind: bind, Mult: u.Diff})
		}
	}
	return out, nil
}

func resolveTerm(t langparse.Term, bind map[string]value.Value) (value.Value, bool) {
	switch v := t.(type) {
	case langparse.Var:
		val, ok := bind[v.Name]
		return val, ok
	case langparse.Const:
		return v.Value, true
	default:
		return value.Null, false
	}
}

func evalFilter(n ir.Filter, ctx *EvalContext) ([]Row, error) {
	rows, err := Eval(n.Input, ctx)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		lv, lok := resolveTerm(n.Left, r.Bind)
		rv, rok := resolveTerm(n.Right, r.Bind)
		if !lok || !rok {
			continue
		}
		c := value.Compare(lv, rv)
		keep := false
		switch n.Op {
		case langparse.OpEq:
			keep = c == 0
		case langparse.OpNe:
			keep = c != 0
		case langparse.OpLt:
			keep = c < 0
		case langparse.OpLe:
			keep = c <= 0
		case langparse.OpGt:
			keep = c > 0
		case langparse.OpGe:
			keep = c >= 0
		}
		if keep {
			out = append(out, r)
		}
	}
	return out, nil
}

func evalJoin(n ir.Join, ctx *EvalContext) ([]Row, error) {
	left, err := Eval(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := Eval(n.Right, ctx)
	if err != nil {
		return nil, err
	}

	// Index the right side's rows by their join-key projection for a
	// hash join rather than a nested loop. A bloom semijoin additionally
	// builds a compact bitmap of the right side's key hashes so left rows
	// with no possible match skip the index lookup entirely.
	index := map[string][]Row{}
	var bloom *roaring.Bitmap
	if n.Kind == ir.JoinBloomSemijoin {
		bloom = roaring.New()
	}
	for _, r := range right {
		key := joinKey(r.Bind, n.JoinVars)
		index[key] = append(index[key], r)
		if bloom != nil {
			bloom.Add(keyHash(key))
		}
	}

	var out []Row
	for _, l := range left {
		key := joinKey(l.Bind, n.JoinVars)
		if bloom != nil && !bloom.Contains(keyHash(key)) {
			continue
		}
		matches := index[key]
		if n.Kind == ir.JoinSemijoin || n.Kind == ir.JoinBloomSemijoin {
			if len(matches) > 0 {
				out = append(out, l)
			}
			continue
		}
		for _, r := range matches {
			merged := cloneBind(l.Bind)
			for k, v := range r.Bind {
				merged[k] = v
			}
			out = append(out, Row{Bind: merged, Mult: l.Mult * r.Mult})
		}
	}
	return out, nil
}

func joinKey(bind map[string]value.Value, vars []string) string {
	s := ""
	for _, v := range vars {
		if val, ok := bind[v]; ok {
			s += val.String() + "\x00"
		} else {
			s += "\x01"
		}
	}
	return s
}

func keyHash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

func evalNegate(n ir.Negate, ctx *EvalContext) ([]Row, error) {
	outer, err := Eval(n.Outer, ctx)
	if err != nil {
		return nil, err
	}
	inner, err := Eval(n.Inner, ctx)
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, r := range inner {
		present[joinKey(r.Bind, n.JoinVars)] = true
	}
	var out []Row
	for _, r := range outer {
		if !present[joinKey(r.Bind, n.JoinVars)] {
			out = append(out, r)
		}
	}
	return out, nil
}

func evalAggregate(n ir.Aggregate, ctx *EvalContext) ([]Row, error) {
	rows, err := Eval(n.Input, ctx)
	if err != nil {
		return nil, err
	}
	type group struct {
		bind  map[string]value.Value
		acc   []value.Value
		mults []int64
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range rows {
		key := joinKey(r.Bind, n.GroupVars)
		g, ok := groups[key]
		if !ok {
			gb := map[string]value.Value{}
			for _, v := range n.GroupVars {
				gb[v] = r.Bind[v]
			}
			g = &group{bind: gb}
			groups[key] = g
			order = append(order, key)
		}
		if len(n.Args) > 0 {
			if av, ok := resolveTerm(n.Args[0], r.Bind); ok {
				g.acc = append(g.acc, av)
				g.mults = append(g.mults, r.Mult)
			}
		} else {
			g.mults = append(g.mults, r.Mult)
		}
	}
	var out []Row
	for _, key := range order {
		g := groups[key]
		result, err := applyAggFunc(n.Func, g.acc, g.mults)
		if err != nil {
			return nil, err
		}
		bind := cloneBind(g.bind)
		bind[n.OutputCol] = result
		out = append(out, Row{Bind: bind, Mult: 1})
	}
	return out, nil
}

func applyAggFunc(fn ir.AggFunc, vals []value.Value, mults []int64) (value.Value, error) {
	switch fn {
	case ir.AggCount:
		var total int64
		for _, m := range mults {
			total += m
		}
		return value.Int64(total), nil
	case ir.AggSum:
		var total float64
		isInt := true
		var itotal int64
		for i, v := range vals {
			if f, ok := v.AsFloat64(); ok {
				total += f * float64(mults[i])
			}
			if iv, ok := v.AsInt64(); ok {
				itotal += iv * mults[i]
			} else {
				isInt = false
			}
		}
		if isInt {
			return value.Int64(itotal), nil
		}
		return value.Float64(total), nil
	case ir.AggMin, ir.AggMax:
		if len(vals) == 0 {
			return value.Null, nil
		}
		best := vals[0]
		for _, v := range vals[1:] {
			c := value.Compare(v, best)
			if (fn == ir.AggMin && c < 0) || (fn == ir.AggMax && c > 0) {
				best = v
			}
		}
		return best, nil
	default:
		return value.Null, coreerr.Validation(fmt.Sprintf("unsupported aggregation function %q", fn), nil)
	}
}

func evalProject(n ir.Project, ctx *EvalContext) ([]Row, error) {
	rows, err := Eval(n.Input, ctx)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		bind := map[string]value.Value{}
		for _, v := range n.Vars {
			if val, ok := r.Bind[v]; ok {
				bind[v] = val
			}
		}
		out = append(out, Row{Bind: bind, Mult: r.Mult})
	}
	return out, nil
}

func evalMap(n ir.Map, ctx *EvalContext) ([]Row, error) {
	rows, err := Eval(n.Input, ctx)
	if err != nil {
		return nil, err
	}
	for i, r := range rows {
		rows[i].Bind = cloneBind(r.Bind)
		rows[i].Bind[n.Name] = value.Null // built-in function dispatch is wired by the code generator per-function; unrecognized Map nodes pass through as null
	}
	return rows, nil
}

func evalFixPoint(n ir.FixPoint, ctx *EvalContext) ([]Row, error) {
	working := map[string]*Session{}
	for k, v := range ctx.Sessions {
		working[k] = v
	}
	if _, ok := working[n.Relation]; !ok {
		working[n.Relation] = NewSession(n.Relation, 0)
	}
	// Every read inside the fixpoint must see everything inserted by every
	// prior round, not just what existed at ctx.AsOf: the per-iteration
	// Time stamps below exist only to keep Consolidated's per-tuple netting
	// well-defined, not to gate visibility round-to-round. Using ctx.AsOf
	// here would make each new round's own output invisible to the next
	// round's Scan of n.Relation as soon as its insert Time exceeded
	// ctx.AsOf, truncating convergence to whatever the first round alone
	// produced.
	innerCtx := &EvalContext{Sessions: working, AsOf: ^uint64(0), Probe: ctx.Probe}

	seen := map[string]bool{}
	var time uint64
	for iter := 0; iter < 10_000; iter++ {
		rows, err := Eval(n.Body, innerCtx)
		if err != nil {
			return nil, err
		}
		added := false
		for _, r := range rows {
			t := rowToTuple(r, n.Body.Columns())
			key := t.String()
			if !seen[key] {
				seen[key] = true
				working[n.Relation].Insert(t, time)
				added = true
			}
		}
		if !added {
			break
		}
		time++
	}
	return Eval(ir.Scan{Relation: n.Relation, Vars: n.Body.Columns()}, innerCtx)
}

func rowToTuple(r Row, cols []string) value.Tuple {
	vals := make([]value.Value, 0, len(cols))
	for _, c := range cols {
		if v, ok := r.Bind[c]; ok {
			vals = append(vals, v)
		} else {
			vals = append(vals, value.Null)
		}
	}
	return value.NewTuple(vals...)
}

// evalTopK keeps the K rows with the most extreme SortVar value (spec §3's
// top_k head aggregation, S6). Rows tie-break on input order via a stable
// sort, so repeated evaluation over unchanged input is deterministic.
func evalTopK(n ir.TopK, ctx *EvalContext) ([]Row, error) {
	rows, err := Eval(n.Input, ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		vi, iok := rows[i].Bind[n.SortVar]
		vj, jok := rows[j].Bind[n.SortVar]
		if !iok || !jok {
			return false
		}
		c := value.Compare(vi, vj)
		if n.Desc {
			return c > 0
		}
		return c < 0
	})
	k := n.K
	if k > len(rows) || k < 0 {
		k = len(rows)
	}
	out := make([]Row, 0, k)
	for _, r := range rows[:k] {
		bind := map[string]value.Value{}
		for _, c := range n.Vars {
			if v, ok := r.Bind[c]; ok {
				bind[c] = v
			} else {
				bind[c] = value.Null
			}
		}
		out = append(out, Row{Bind: bind, Mult: 1})
	}
	return out, nil
}

func evalIndexProbe(n ir.IndexProbe, ctx *EvalContext) ([]Row, error) {
	if ctx.Probe == nil {
		return nil, coreerr.Internal("hnsw_nearest used but no index prober is wired into this evaluation context", nil)
	}
	qv, ok := resolveTerm(n.Query, map[string]value.Value{})
	if !ok {
		return nil, coreerr.Validation("hnsw_nearest query argument must be a constant vector", nil)
	}
	hits, err := ctx.Probe(n.Index, qv, n.K, n.EfSearch)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(hits))
	for _, h := range hits {
		out = append(out, Row{
			Bind: map[string]value.Value{n.IDCol: h.ID, n.DistCol: value.Float64(h.Distance)},
			Mult: 1,
		})
	}
	return out, nil
}
