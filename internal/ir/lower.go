package ir

import (
	"fmt"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/langparse"
)

// SchemaLookup is the minimal view of the schema catalog (L7) the lowering
// pass needs: arity, for unknown-relation and arity-mismatch checks (spec
// §4.2's "Errors: unsafe rule, unstratifiable negation cycle, arity
// mismatch, unknown relation").
type SchemaLookup interface {
	Arity(relation string) (int, bool)
}

// Rule is a lowered rule: a head atom's variable bindings plus the body
// plan that produces them.
type Rule struct {
	HeadRelation string
	HeadVars     []string // "" for a position computed by an Aggregate/Map, filled from Body.Columns()
	Aggs         []langparse.Agg
	Body         Node
}

// LowerBody lowers a rule/query body (a conjunction of literals) to a plan
// tree. safeVars accumulates which variables are bound by some positive
// atom by the time a literal is processed; this both enforces the safety
// check (spec §3: every variable in the head, in a negated atom, or in a
// comparison must appear in some positive body atom) and drives the
// left-deep join order before the optimizer's MST pass reorders it.
func LowerBody(body []langparse.Literal, schema SchemaLookup) (Node, error) {
	var plan Node
	bound := map[string]bool{}

	var pending []langparse.Literal // negations/comparisons deferred until their vars are bound
	for _, lit := range body {
		switch l := lit.(type) {
		case langparse.PosAtom:
			scan, err := lowerAtom(l.Atom, schema)
			if err != nil {
				return nil, err
			}
			for _, v := range l.Atom.Args {
				if vr, ok := v.(langparse.Var); ok {
					bound[vr.Name] = true
				}
			}
			plan = joinOn(plan, scan)
			pending = flushPending(pending, &plan, bound)
		case langparse.NegAtom, langparse.Compare:
			pending = append(pending, lit)
		}
	}
	if plan == nil {
		return nil, coreerr.Validation("rule body has no positive atoms (unsafe rule)", nil)
	}
	if len(pending) > 0 {
		// Any literal still pending after every positive atom has been
		// processed references a variable no positive atom bound.
		return nil, coreerr.Validation("unsafe rule: negation or comparison references an unbound variable", nil)
	}
	return plan, nil
}

func flushPending(pending []langparse.Literal, plan *Node, bound map[string]bool) []langparse.Literal {
	var rest []langparse.Literal
	for _, lit := range pending {
		if varsOf(lit, bound) {
			*plan = applyLiteral(*plan, lit)
		} else {
			rest = append(rest, lit)
		}
	}
	return rest
}

// varsOf reports whether every variable lit references is already bound.
func varsOf(lit langparse.Literal, bound map[string]bool) bool {
	check := func(t langparse.Term) bool {
		v, ok := t.(langparse.Var)
		return !ok || bound[v.Name]
	}
	switch l := lit.(type) {
	case langparse.NegAtom:
		for _, a := range l.Atom.Args {
			if !check(a) {
				return false
			}
		}
		return true
	case langparse.Compare:
		return check(l.Left) && check(l.Right)
	}
	return true
}

func applyLiteral(plan Node, lit langparse.Literal) Node {
	switch l := lit.(type) {
	case langparse.NegAtom:
		joinVars := sharedVars(plan.Columns(), atomVars(l.Atom))
		inner := Scan{Relation: l.Atom.Relation, Vars: atomVars(l.Atom)}
		return Negate{Outer: plan, Inner: inner, JoinVars: joinVars}
	case langparse.Compare:
		return Filter{Input: plan, Op: l.Op, Left: l.Left, Right: l.Right}
	}
	return plan
}

func atomVars(a langparse.Atom) []string {
	vars := make([]string, len(a.Args))
	for i, t := range a.Args {
		if v, ok := t.(langparse.Var); ok {
			vars[i] = v.Name
		}
	}
	return vars
}

func lowerAtom(a langparse.Atom, schema SchemaLookup) (Node, error) {
	if schema != nil {
		if arity, ok := schema.Arity(a.Relation); ok {
			if arity != len(a.Args) {
				return nil, coreerr.Validation(fmt.Sprintf("relation %q expects arity %d, got %d", a.Relation, arity, len(a.Args)), nil)
			}
		} else {
			return nil, coreerr.NotFound(fmt.Sprintf("unknown relation %q", a.Relation), nil)
		}
	}
	bound := map[int]langparse.Term{}
	for i, t := range a.Args {
		if _, isVar := t.(langparse.Var); !isVar {
			if _, isWild := t.(langparse.Wildcard); !isWild {
				bound[i] = t
			}
		}
	}
	return Scan{Relation: a.Relation, Vars: atomVars(a), Bound: bound}, nil
}

func sharedVars(a, b []string) []string {
	as := map[string]bool{}
	for _, v := range a {
		if v != "" {
			as[v] = true
		}
	}
	var out []string
	seen := map[string]bool{}
	for _, v := range b {
		if v != "" && as[v] && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func joinOn(plan, next Node) Node {
	if plan == nil {
		return next
	}
	joinVars := sharedVars(plan.Columns(), next.Columns())
	return Join{Kind: JoinInner, Left: plan, Right: next, JoinVars: joinVars}
}

// LowerRule lowers a full rule (head + body) into a Rule, splitting the head
// into plain variable/wildcard/const bindings versus aggregation head-terms.
func LowerRule(head langparse.HeadAtom, body []langparse.Literal, schema SchemaLookup) (*Rule, error) {
	plan, err := LowerBody(body, schema)
	if err != nil {
		return nil, err
	}
	r := &Rule{HeadRelation: head.Relation, Body: plan}
	r.HeadVars = make([]string, len(head.Args))
	for i, ht := range head.Args {
		switch t := ht.(type) {
		case langparse.Var:
			r.HeadVars[i] = t.Name
		case langparse.Agg:
			r.Aggs = append(r.Aggs, t)
		}
	}
	return r, nil
}
