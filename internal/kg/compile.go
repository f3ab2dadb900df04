package kg

import (
	"inputlayer/internal/codegen"
	"inputlayer/internal/ir"
)

// planFor decides recursiveness by walking rule's lowered body for a Scan
// of its own head relation, then hands off to codegen.Generate. Mutual
// recursion across relations (e.g. even/odd) is not resolved here: it
// converges through derived.Manager's round-robin recompute of the whole
// affected closure, not through wrapping a single rule's own Plan in a
// FixPoint (spec §4.6).
func planFor(rule *ir.Rule) *codegen.Plan {
	return codegen.Generate(rule, ir.ScansOwnHead(rule.Body, rule.HeadRelation), true)
}
