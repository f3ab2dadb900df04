package langparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOne(t *testing.T, src string) Statement {
	t.Helper()
	prog, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, prog.Statements, 1)
	return prog.Statements[0]
}

func TestParse_SimpleFact(t *testing.T) {
	stmt := parseOne(t, `+edge(1, 2).`)
	f, ok := stmt.(FactStmt)
	require.True(t, ok)
	assert.False(t, f.Delete)
	assert.Equal(t, "edge", f.Relation)
	assert.Len(t, f.Tuples, 1)
	assert.Len(t, f.Tuples[0], 2)
}

func TestParse_BulkFact(t *testing.T) {
	stmt := parseOne(t, `+edge[(1, 2), (2, 3)].`)
	f := stmt.(FactStmt)
	assert.Len(t, f.Tuples, 2)
}

func TestParse_Delete(t *testing.T) {
	stmt := parseOne(t, `-edge(1, 2).`)
	f := stmt.(FactStmt)
	assert.True(t, f.Delete)
}

func TestParse_ConditionalDelete(t *testing.T) {
	stmt := parseOne(t, `-edge(X, Y) <- stale(X, Y).`)
	f := stmt.(FactStmt)
	assert.True(t, f.Delete)
	require.NotNil(t, f.CondBody)
	assert.Len(t, f.CondBody, 1)
}

func TestParse_SchemaDecl(t *testing.T) {
	stmt := parseOne(t, `+person(id:int, name:string, embedding:vector(128)).`)
	s := stmt.(SchemaStmt)
	require.Len(t, s.Columns, 3)
	assert.Equal(t, "embedding", s.Columns[2].Name)
	assert.Equal(t, 128, s.Columns[2].Dim)
}

func TestParse_PersistentRule(t *testing.T) {
	stmt := parseOne(t, `+ancestor(X, Y) <- parent(X, Y).`)
	r := stmt.(RuleStmt)
	assert.True(t, r.Persistent)
	assert.Equal(t, "ancestor", r.Head.Relation)
	assert.Len(t, r.Body, 1)
}

func TestParse_SessionRuleWithNegationAndCompare(t *testing.T) {
	stmt := parseOne(t, `reachable(X, Y) <- edge(X, Y), !blocked(X, Y), X != Y.`)
	r := stmt.(RuleStmt)
	assert.False(t, r.Persistent)
	assert.Len(t, r.Body, 3)
	_, isNeg := r.Body[1].(NegAtom)
	assert.True(t, isNeg)
	_, isCmp := r.Body[2].(Compare)
	assert.True(t, isCmp)
}

func TestParse_AggregationHead(t *testing.T) {
	stmt := parseOne(t, `+total(sum<A>) <- amounts(A).`)
	r := stmt.(RuleStmt)
	agg, ok := r.Head.Args[0].(Agg)
	require.True(t, ok)
	assert.Equal(t, "sum", agg.FuncName)
}

func TestParse_Query(t *testing.T) {
	stmt := parseOne(t, `?edge(X, Y).`)
	q := stmt.(QueryStmt)
	assert.Len(t, q.Body, 1)
}

func TestParse_MetaCommand(t *testing.T) {
	stmt := parseOne(t, `.kg create demo`)
	m := stmt.(MetaCommand)
	assert.Equal(t, "kg", m.Name)
	assert.Equal(t, []string{"create", "demo"}, m.Args)
}

func TestDisplay_RoundTrip(t *testing.T) {
	srcs := []string{
		`+edge(1, 2).`,
		`-edge(1, 2).`,
		`+ancestor(X, Y) <- parent(X, Y).`,
		`reachable(X, Y) <- edge(X, Y), !blocked(X, Y), X != Y.`,
		`?edge(X, Y).`,
	}
	for _, src := range srcs {
		stmt := parseOne(t, src)
		displayed := Display(stmt)
		reparsed := parseOne(t, displayed)
		assert.Equal(t, Display(reparsed), displayed, "display(parse(display(node))) must equal display(node) for %q", src)
	}
}
