// Package codegen implements L3: lowering an optimized IR plan into the
// primitive dataflow shape the runtime (L4) executes (spec §4.3). Each
// relation name resolves to either an input session, a derived
// arrangement, or an index probe; each recursive rule's body is wrapped in
// a fixpoint scope of its own, and non-recursive plans bypass it for
// efficiency.
package codegen

import (
	"inputlayer/internal/ir"
	"inputlayer/internal/langparse"
)

// Plan is a code-generated, ready-to-execute rule: its relation name, the
// (possibly fixpoint-wrapped) body, and whether it must run as a streaming
// (persistent-rule) plan or a one-shot batch (query) plan.
type Plan struct {
	Relation   string
	Body       ir.Node
	Streaming  bool
	Recursive  bool
}

// Group is a set of mutually-recursive rules lowered together by
// GenerateGroup.
type Group struct {
	Relations []string
	Rules     []*ir.Rule
}

// Generate lowers one compiled rule to a Plan. recursive is decided by the
// caller: internal/kg and internal/session pass ir.ScansOwnHead, which is
// true only when the rule's body scans its own head relation (direct
// self-recursion). A recursive rule is wrapped in a FixPoint scope; others
// are emitted as a direct (bypassed) plan.
func Generate(rule *ir.Rule, recursive bool, streaming bool) *Plan {
	body := headNode(rule)
	if recursive {
		body = ir.FixPoint{Body: body, Relation: rule.HeadRelation}
	}
	return &Plan{Relation: rule.HeadRelation, Body: body, Streaming: streaming, Recursive: recursive}
}

// headNode shapes rule.Body into the rule head's exact column layout. A
// head with no aggregation head-terms (the common case) passes Body through
// unchanged — its Columns() already match HeadVars, since LowerBody only
// binds what the head's positive atoms bound. A head with an aggregation
// term (spec §3's sum/count/min/max/top_k) wraps Body in the ir.Aggregate
// or ir.TopK node that actually computes it.
func headNode(rule *ir.Rule) ir.Node {
	if len(rule.Aggs) == 0 {
		return rule.Body
	}
	agg := rule.Aggs[0]
	if agg.FuncName == "top_k" {
		return topKNode(rule.Body, agg)
	}
	return aggregateNode(rule, agg)
}

// aggregateNode builds the Aggregate wrapping a sum/count/min/max head term:
// every plain-Var head position becomes a GroupVars entry, and the single
// "" position LowerRule left for the Agg term becomes its OutputCol, named
// synthetically since the aggregation itself carries no variable name.
func aggregateNode(rule *ir.Rule, agg langparse.Agg) ir.Node {
	var groupVars []string
	outputCol := "__agg0"
	for _, v := range rule.HeadVars {
		if v != "" {
			groupVars = append(groupVars, v)
		}
	}
	return ir.Aggregate{
		Input:     rule.Body,
		GroupVars: groupVars,
		Func:      aggFuncOf(agg.FuncName),
		Args:      agg.Args,
		OutputCol: outputCol,
	}
}

func aggFuncOf(name string) ir.AggFunc {
	switch name {
	case "count":
		return ir.AggCount
	case "sum":
		return ir.AggSum
	case "min":
		return ir.AggMin
	case "max":
		return ir.AggMax
	default:
		return ir.AggFunc(name)
	}
}

// topKNode reads top_k<K, vars..., dir?> (spec §3, S6): the leading Const is
// K, each Var names an output column, and an optional trailing "asc"/"desc"
// Const directs the sort, applying to the last var seen before it. No
// direction marker defaults to ascending on the last named var.
func topKNode(body ir.Node, agg langparse.Agg) ir.Node {
	var k int
	var vars []string
	desc := false
	for _, a := range agg.Args {
		switch t := a.(type) {
		case langparse.Var:
			vars = append(vars, t.Name)
		case langparse.Const:
			if iv, ok := t.Value.AsInt64(); ok {
				k = int(iv)
				continue
			}
			if s, ok := t.Value.AsString(); ok {
				desc = s == "desc"
			}
		}
	}
	var sortVar string
	if len(vars) > 0 {
		sortVar = vars[len(vars)-1]
	}
	return ir.TopK{Input: body, K: k, Vars: vars, SortVar: sortVar, Desc: desc}
}

// GenerateGroup lowers every rule in a mutually-recursive group, wrapping
// each rule's body in its own FixPoint over its own head relation. The
// rules do not share one fixpoint scope: each plan iterates only its own
// relation, and this function does not iterate the group jointly until
// none of its relations gains a new row.
func GenerateGroup(group Group, streaming bool) []*Plan {
	plans := make([]*Plan, len(group.Rules))
	for i, r := range group.Rules {
		plans[i] = &Plan{
			Relation:  r.HeadRelation,
			Body:      ir.FixPoint{Body: headNode(r), Relation: r.HeadRelation},
			Streaming: streaming,
			Recursive: true,
		}
	}
	return plans
}

// GenerateQuery lowers a one-shot query body to a batch Plan: queries never
// persist a materialization and never stream, so Relation is left blank.
func GenerateQuery(body ir.Node) *Plan {
	return &Plan{Body: body, Streaming: false, Recursive: false}
}
