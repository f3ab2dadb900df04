// Package langparse implements L1: the Datalog-dialect parser (spec §4.1).
// Source text is lexed and parsed into a typed AST with a Display
// implementation that round-trips to parseable source.
package langparse

import "inputlayer/internal/value"

// Program is a parsed sequence of top-level statements.
type Program struct {
	Statements []Statement
}

// Statement is implemented by every top-level AST node.
type Statement interface {
	stmtNode()
}

// Term is a literal-position argument: a variable, the anonymous wildcard,
// or a constant.
type Term interface {
	termNode()
}

// Var is a bound variable reference (identifiers beginning uppercase).
type Var struct{ Name string }

// Wildcard is the anonymous variable `_`; it never binds and never appears
// twice with an implied equality.
type Wildcard struct{}

// Const is a literal constant term.
type Const struct{ Value value.Value }

func (Var) termNode()      {}
func (Wildcard) termNode() {}
func (Const) termNode()    {}

// HeadTerm is a head-atom argument: a Term, or an aggregation expression
// (spec §3 "aggregations", e.g. sum<A>, top_k<2, N, S, desc>).
type HeadTerm interface {
	headTermNode()
}

func (Var) headTermNode()      {}
func (Wildcard) headTermNode() {}
func (Const) headTermNode()    {}

// Agg is an aggregation head-term: FuncName<Args...>.
type Agg struct {
	FuncName string
	Args     []Term
}

func (Agg) headTermNode() {}

// Atom is predicate(args...).
type Atom struct {
	Relation string
	Args     []Term
}

// Literal is a body element: a positive atom, a negated atom, or a
// comparison between two terms.
type Literal interface {
	litNode()
}

// PosAtom is a non-negated body atom.
type PosAtom struct{ Atom Atom }

// NegAtom is a negated body atom (`!pred(...)`).
type NegAtom struct{ Atom Atom }

// CompareOp enumerates the comparison operators allowed in rule bodies.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Compare is a body comparison literal (`X < Y`, `X = 3`, ...).
type Compare struct {
	Left  Term
	Op    CompareOp
	Right Term
}

func (PosAtom) litNode() {}
func (NegAtom) litNode() {}
func (Compare) litNode() {}

// HeadAtom is a rule head: predicate(headterms...).
type HeadAtom struct {
	Relation string
	Args     []HeadTerm
}

// RuleStmt is `+h <- body.` (persistent) or `h <- body.` (session).
type RuleStmt struct {
	Persistent bool
	Head       HeadAtom
	Body       []Literal
}

func (RuleStmt) stmtNode() {}

// FactStmt covers `+r(...)`, `+r[(...),...]` (bulk insert) and `-r(...)`
// (delete). CondBody is non-nil for the conditional-delete form
// `-r(X) <- p(X)` (spec §9 open question): the delete set is computed
// against the pre-delete snapshot and applied atomically as a batch of -1
// diffs.
type FactStmt struct {
	Delete   bool
	Relation string
	Tuples   [][]Term
	CondBody []Literal
}

func (FactStmt) stmtNode() {}

// QueryStmt is `?body.`.
type QueryStmt struct {
	Body []Literal
}

func (QueryStmt) stmtNode() {}

// ColumnDecl is one column of a schema declaration.
type ColumnDecl struct {
	Name string
	Type string // int, float, bool, string, vector, vector_i8
	Dim  int    // >0 for vector columns with a declared dimensionality constraint
}

// SchemaStmt is `+rel(col:type, col:type(dim), ...).`.
type SchemaStmt struct {
	Relation string
	Columns  []ColumnDecl
}

func (SchemaStmt) stmtNode() {}

// MetaCommand is a leading-dot administrative command: .kg, .rel, .rule,
// .index, .session, .user, .apikey, .load, .compact, .explain, .status.
type MetaCommand struct {
	Name string
	Args []string
}

func (MetaCommand) stmtNode() {}
