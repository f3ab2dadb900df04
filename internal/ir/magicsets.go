package ir

import "fmt"

// ApplyMagicSets rewrites a recursive rule group so that, when the query
// binds one or more of a recursive relation's columns to constants, only
// the reachable subset of facts is computed (spec §4.2). It introduces a
// synthetic "demand" relation seeded from the query's bound columns and
// restricts every rule whose head is the queried relation to join against
// that demand relation first.
//
// demandRelation is named "__magic_<relation>" and is never visible to
// user queries. This function only rewrites the rules; it does not put any
// tuple into the demand relation, and nothing in internal/codegen seeds it.
func ApplyMagicSets(rules []*Rule, queriedRelation string, boundPositions []int) ([]*Rule, string) {
	if len(boundPositions) == 0 {
		return rules, ""
	}
	demandRel := fmt.Sprintf("__magic_%s", queriedRelation)

	out := make([]*Rule, len(rules))
	for i, r := range rules {
		if r.HeadRelation != queriedRelation {
			out[i] = r
			continue
		}
		demandVars := make([]string, len(boundPositions))
		for j, pos := range boundPositions {
			if pos < len(r.HeadVars) {
				demandVars[j] = r.HeadVars[pos]
			}
		}
		demandScan := Scan{Relation: demandRel, Vars: demandVars}
		out[i] = &Rule{
			HeadRelation: r.HeadRelation,
			HeadVars:     r.HeadVars,
			Aggs:         r.Aggs,
			Body:         joinOn(demandScan, r.Body),
		}
	}
	return out, demandRel
}
