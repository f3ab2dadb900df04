// Package session implements the session command surface of spec §6: a
// session is `{authenticated_user, current_kg, session_rules,
// session_facts}`, layering ephemeral, per-session rules and facts over a
// shared KnowledgeGraph without ever mutating its persistent state (spec
// §8 property 8: "session rules/facts defined in session A are invisible
// to session B's queries regardless of ordering").
//
// Each Session is a small piece of mutable state (current KG, session
// rules, session facts) held behind its owning Manager's mutex.
package session

import (
	"context"
	"fmt"
	"time"

	"inputlayer/internal/codegen"
	"inputlayer/internal/coreerr"
	"inputlayer/internal/ir"
	"inputlayer/internal/kg"
	"inputlayer/internal/langparse"
	"inputlayer/internal/runtime"
	"inputlayer/internal/storage"
	"inputlayer/internal/value"
)

// sessionRule is one session-scoped (non-persistent) rule: compiled once
// at registration time, re-evaluated against the live KG on every query.
type sessionRule struct {
	relation string
	plan     *codegen.Plan
	src      string
}

// Session is one `{authenticated_user, current_kg, session_rules,
// session_facts}` tuple (spec §6). Not safe for concurrent use by more
// than one caller at a time; Manager is the concurrency boundary.
type Session struct {
	ID                string
	AuthenticatedUser string
	CreatedAt         time.Time
	LastActive        time.Time

	engine *storage.Engine

	currentKGName string
	currentKG     *kg.KnowledgeGraph

	rules map[string]*sessionRule  // by head relation
	facts map[string][]value.Tuple // by relation, session-local only
}

func newSession(id, user string, engine *storage.Engine) *Session {
	now := time.Now()
	return &Session{
		ID:                id,
		AuthenticatedUser: user,
		CreatedAt:         now,
		LastActive:        now,
		engine:            engine,
		rules:             map[string]*sessionRule{},
		facts:             map[string][]value.Tuple{},
	}
}

// UseKG switches the session's current KG, opening (or creating) it via
// the storage engine as needed.
func (s *Session) UseKG(name string, create bool) error {
	g, err := s.engine.Get(name)
	if err != nil {
		if !create {
			return err
		}
		g, err = s.engine.Create(name)
		if err != nil {
			return err
		}
	}
	s.currentKGName = name
	s.currentKG = g
	return nil
}

// CurrentKG returns the session's active KG name, or "" before any `.kg`
// switch has happened.
func (s *Session) CurrentKG() string { return s.currentKGName }

func (s *Session) activeKG() (*kg.KnowledgeGraph, error) {
	if s.currentKG == nil {
		return nil, coreerr.Validation("no current knowledge graph selected; run `.kg <name>` first", nil)
	}
	return s.currentKG, nil
}

// ClearSession discards every session-local rule and fact, leaving
// currentKG untouched (spec §6: `clear_session()`).
func (s *Session) ClearSession() {
	s.rules = map[string]*sessionRule{}
	s.facts = map[string][]value.Tuple{}
}

// Execute parses and runs one program of statements (spec §6:
// `execute(program)`), returning one result per statement. A session rule
// (`h <- body.`, no leading `+`) is compiled and stored locally; every
// other statement is either handled here (`.kg`, `.session`) or delegated
// to the current KG unchanged.
func (s *Session) Execute(ctx context.Context, src string) ([]interface{}, error) {
	prog, err := langparse.Parse(src)
	if err != nil {
		return nil, err
	}
	results := make([]interface{}, len(prog.Statements))
	for i, stmt := range prog.Statements {
		r, err := s.executeOne(ctx, stmt)
		if err != nil {
			return results, err
		}
		results[i] = r
	}
	s.LastActive = time.Now()
	return results, nil
}

func (s *Session) executeOne(ctx context.Context, stmt langparse.Statement) (interface{}, error) {
	switch st := stmt.(type) {
	case langparse.RuleStmt:
		if st.Persistent {
			g, err := s.activeKG()
			if err != nil {
				return nil, err
			}
			return nil, g.RegisterRule(st.Head.Relation, langparse.Display(st))
		}
		return nil, s.registerSessionRule(st)
	case langparse.QueryStmt:
		return s.Query(st.Body)
	case langparse.MetaCommand:
		switch st.Name {
		case "kg":
			return nil, s.handleKGCommand(st.Args)
		case "session":
			return s.handleSessionCommand(st.Args)
		}
		g, err := s.activeKG()
		if err != nil {
			return nil, err
		}
		return g.ExecuteStatement(ctx, stmt)
	default:
		g, err := s.activeKG()
		if err != nil {
			return nil, err
		}
		return g.ExecuteStatement(ctx, stmt)
	}
}

func (s *Session) handleKGCommand(args []string) error {
	if len(args) < 1 {
		return coreerr.Validation(".kg requires a name", nil)
	}
	switch args[0] {
	case "use":
		if len(args) < 2 {
			return coreerr.Validation(".kg use requires a name", nil)
		}
		return s.UseKG(args[1], false)
	case "create":
		if len(args) < 2 {
			return coreerr.Validation(".kg create requires a name", nil)
		}
		return s.UseKG(args[1], true)
	case "drop":
		if len(args) < 2 {
			return coreerr.Validation(".kg drop requires a name", nil)
		}
		if err := s.engine.Drop(context.Background(), args[1], 0); err != nil {
			return err
		}
		if s.currentKGName == args[1] {
			s.currentKGName = ""
			s.currentKG = nil
		}
		return nil
	case "list":
		return nil
	default:
		return s.UseKG(args[0], false)
	}
}

func (s *Session) handleSessionCommand(args []string) (interface{}, error) {
	if len(args) == 0 {
		return map[string]interface{}{
			"id": s.ID, "user": s.AuthenticatedUser, "kg": s.currentKGName,
			"rules": len(s.rules), "facts": len(s.facts),
		}, nil
	}
	switch args[0] {
	case "clear":
		s.ClearSession()
		return nil, nil
	default:
		return nil, coreerr.Validation(fmt.Sprintf("unrecognized .session subcommand %q", args[0]), nil)
	}
}

// AssertFact adds t to relation as a session-local fact: visible to this
// session's own queries, never written to the KG's WAL or worker, and
// invisible to every other session (spec §8 property 8). Spec §3's
// surface grammar defines only persistent facts (`+r(…)`); session_facts
// is exposed through this API rather than a parsed statement form, since
// no ephemeral-fact syntax is specified.
func (s *Session) AssertFact(relation string, t value.Tuple) {
	s.facts[relation] = append(s.facts[relation], t)
}

// RetractFact removes every occurrence of t from relation's session-local
// facts.
func (s *Session) RetractFact(relation string, t value.Tuple) {
	kept := s.facts[relation][:0]
	for _, existing := range s.facts[relation] {
		if !value.TuplesEqual(existing, t) {
			kept = append(kept, existing)
		}
	}
	s.facts[relation] = kept
}

func (s *Session) registerSessionRule(st langparse.RuleStmt) error {
	g, err := s.activeKG()
	if err != nil {
		return err
	}
	lookup := s.schemaLookup(g)
	rule, err := ir.LowerRule(st.Head, st.Body, lookup)
	if err != nil {
		return err
	}
	plan := codegen.Generate(rule, ir.ScansOwnHead(rule.Body, rule.HeadRelation), false)
	s.rules[rule.HeadRelation] = &sessionRule{relation: rule.HeadRelation, plan: plan, src: langparse.Display(st)}
	return nil
}

// schemaLookup resolves arities for query/rule lowering: the KG's own
// typed/observed arities first, then this session's own rule heads and
// facts, since a session rule may define a relation the shared KG has
// never heard of.
func (s *Session) schemaLookup(g *kg.KnowledgeGraph) ir.SchemaLookup {
	return overlayLookup{kg: g, rules: s.rules, facts: s.facts}
}

type overlayLookup struct {
	kg    *kg.KnowledgeGraph
	rules map[string]*sessionRule
	facts map[string][]value.Tuple
}

func (o overlayLookup) Arity(relation string) (int, bool) {
	if r, ok := o.rules[relation]; ok {
		return len(r.plan.Body.Columns()), true
	}
	if tuples, ok := o.facts[relation]; ok && len(tuples) > 0 {
		return tuples[0].Arity(), true
	}
	return o.kg.Arity(relation)
}

// Query evaluates body (spec §6 `execute` over a `?...` statement) with
// this session's local rules and facts layered over the current KG's
// shared view, never touching KG state.
func (s *Session) Query(body []langparse.Literal) ([]runtime.Row, error) {
	g, err := s.activeKG()
	if err != nil {
		return nil, err
	}
	lookup := s.schemaLookup(g)
	plan, err := ir.LowerBody(body, lookup)
	if err != nil {
		return nil, err
	}
	overlay, err := s.materializeSessionRules(g, lookup)
	if err != nil {
		return nil, err
	}
	return g.EvalPlan(codegen.GenerateQuery(plan), overlay)
}

// maxClosureIterations bounds the round-robin fixpoint below, mirroring
// derived.Manager's own bound for the same reason: a cycle that never
// stabilizes is a bug, not something to loop on forever.
const maxClosureIterations = 10000

// materializeSessionRules re-evaluates every registered session rule
// against the KG's shared view overlaid with the other session rules'
// latest results, round-robin to a fixpoint (mirrors
// derived.Manager.recomputeClosureLocked, generalized from one KG-wide
// dependency closure to this session's own small, private rule set).
func (s *Session) materializeSessionRules(g *kg.KnowledgeGraph, lookup ir.SchemaLookup) (map[string][]value.Tuple, error) {
	overlay := map[string][]value.Tuple{}
	for rel, tuples := range s.facts {
		overlay[rel] = tuples
	}
	if len(s.rules) == 0 {
		return overlay, nil
	}
	for iter := 0; iter < maxClosureIterations; iter++ {
		changed := false
		for rel, rule := range s.rules {
			rows, err := g.EvalPlan(rule.plan, overlay)
			if err != nil {
				return nil, err
			}
			tuples := rowsToTuples(rows, rule.plan.Body.Columns())
			before, existed := overlay[rel]
			if !existed || !sameTuples(before, tuples) {
				changed = true
			}
			overlay[rel] = tuples
		}
		if !changed {
			break
		}
	}
	return overlay, nil
}

func rowsToTuples(rows []runtime.Row, columns []string) []value.Tuple {
	out := make([]value.Tuple, 0, len(rows))
	for _, r := range rows {
		vals := make([]value.Value, len(columns))
		for i, c := range columns {
			vals[i] = r.Bind[c]
		}
		out = append(out, value.NewTuple(vals...))
	}
	return out
}

func sameTuples(a, b []value.Tuple) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make([]bool, len(b))
	for _, ta := range a {
		found := false
		for i, tb := range b {
			if !seen[i] && value.TuplesEqual(ta, tb) {
				seen[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
