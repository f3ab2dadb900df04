package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/ir"
	"inputlayer/internal/value"
)

func sessionWith(relation string, arity int, tuples ...value.Tuple) *Session {
	s := NewSession(relation, arity)
	for _, t := range tuples {
		s.Insert(t, 0)
	}
	return s
}

func TestEval_ScanBindsVars(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"edge": sessionWith("edge", 2, tup(1, 2), tup(3, 4)),
	}}
	rows, err := Eval(ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}}, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, value.Int64(1), rows[0].Bind["X"])
	assert.Equal(t, value.Int64(2), rows[0].Bind["Y"])
}

func TestEval_JoinMatchesOnSharedVar(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"edge": sessionWith("edge", 2, tup(1, 2), tup(2, 3)),
		"edge2": sessionWith("edge2", 2, tup(2, 9), tup(5, 9)),
	}}
	plan := ir.Join{
		Kind:     ir.JoinInner,
		Left:     ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}},
		Right:    ir.Scan{Relation: "edge2", Vars: []string{"Y", "Z"}},
		JoinVars: []string{"Y"},
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.Int64(1), rows[0].Bind["X"])
	assert.Equal(t, value.Int64(2), rows[0].Bind["Y"])
	assert.Equal(t, value.Int64(9), rows[0].Bind["Z"])
}

func TestEval_NegateExcludesMatchingRows(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"edge":    sessionWith("edge", 2, tup(1, 2), tup(3, 4)),
		"blocked": sessionWith("blocked", 2, tup(1, 2)),
	}}
	plan := ir.Negate{
		Outer:    ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}},
		Inner:    ir.Scan{Relation: "blocked", Vars: []string{"X", "Y"}},
		JoinVars: []string{"X", "Y"},
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.Int64(3), rows[0].Bind["X"])
}

func TestEval_AggregateCount(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"edge": sessionWith("edge", 2, tup(1, 2), tup(1, 3), tup(2, 9)),
	}}
	plan := ir.Aggregate{
		Input:     ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}},
		GroupVars: []string{"X"},
		Func:      ir.AggCount,
		OutputCol: "n",
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	counts := map[int64]int64{}
	for _, r := range rows {
		x, _ := r.Bind["X"].AsInt64()
		n, _ := r.Bind["n"].AsInt64()
		counts[x] = n
	}
	assert.Equal(t, int64(2), counts[1])
	assert.Equal(t, int64(1), counts[2])
}

func TestEval_FixPointGrowsRelationToConvergence(t *testing.T) {
	// Seed "reach" with the base edges themselves, then let the fixpoint
	// repeatedly join edge(X,Y) with reach(Y,Z) to grow reach with every
	// longer path, converging once a round adds nothing new.
	ctx := &EvalContext{Sessions: map[string]*Session{
		"edge":  sessionWith("edge", 2, tup(1, 2), tup(2, 3), tup(3, 4)),
		"reach": sessionWith("reach", 2, tup(1, 2), tup(2, 3), tup(3, 4)),
	}}
	step := ir.Project{
		Vars: []string{"X", "Z"},
		Input: ir.Join{
			Kind:     ir.JoinInner,
			Left:     ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}},
			Right:    ir.Scan{Relation: "reach", Vars: []string{"Y", "Z"}},
			JoinVars: []string{"Y"},
		},
	}
	plan := ir.FixPoint{Body: step, Relation: "reach"}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)

	got := map[[2]int64]bool{}
	for _, r := range rows {
		x, _ := r.Bind["X"].AsInt64()
		z, _ := r.Bind["Z"].AsInt64()
		got[[2]int64{x, z}] = true
	}
	assert.True(t, got[[2]int64{1, 3}], "expected the 2-hop path 1->3 to be derived")
	assert.True(t, got[[2]int64{1, 4}], "expected the 3-hop path 1->4 to be derived")
	assert.True(t, got[[2]int64{2, 4}], "expected the 2-hop path 2->4 to be derived")
}

func TestEval_TopKKeepsHighestScoresDescending(t *testing.T) {
	// Mirrors S6: +top(top_k<2, N, S, desc>) <- score(N,S).
	ctx := &EvalContext{Sessions: map[string]*Session{
		"score": sessionWith("score", 2, tup(1, 10), tup(2, 30), tup(3, 20)),
	}}
	plan := ir.TopK{
		Input:   ir.Scan{Relation: "score", Vars: []string{"N", "S"}},
		K:       2,
		Vars:    []string{"N", "S"},
		SortVar: "S",
		Desc:    true,
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	n0, _ := rows[0].Bind["N"].AsInt64()
	s0, _ := rows[0].Bind["S"].AsInt64()
	n1, _ := rows[1].Bind["N"].AsInt64()
	s1, _ := rows[1].Bind["S"].AsInt64()
	assert.Equal(t, int64(2), n0)
	assert.Equal(t, int64(30), s0)
	assert.Equal(t, int64(3), n1)
	assert.Equal(t, int64(20), s1)
}

func TestEval_TopKAscendingKeepsLowestValues(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"score": sessionWith("score", 2, tup(1, 10), tup(2, 30), tup(3, 20)),
	}}
	plan := ir.TopK{
		Input:   ir.Scan{Relation: "score", Vars: []string{"N", "S"}},
		K:       1,
		Vars:    []string{"N", "S"},
		SortVar: "S",
		Desc:    false,
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, _ := rows[0].Bind["N"].AsInt64()
	assert.Equal(t, int64(1), n)
}

func TestEval_TopKClampsKToAvailableRows(t *testing.T) {
	ctx := &EvalContext{Sessions: map[string]*Session{
		"score": sessionWith("score", 2, tup(1, 10)),
	}}
	plan := ir.TopK{
		Input:   ir.Scan{Relation: "score", Vars: []string{"N", "S"}},
		K:       5,
		Vars:    []string{"N", "S"},
		SortVar: "S",
		Desc:    true,
	}
	rows, err := Eval(plan, ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
