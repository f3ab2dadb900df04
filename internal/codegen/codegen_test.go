package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/ir"
	"inputlayer/internal/langparse"
	"inputlayer/internal/value"
)

func TestGenerate_NonRecursiveBypassesFixPoint(t *testing.T) {
	rule := &ir.Rule{HeadRelation: "reach", Body: ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}}}
	plan := Generate(rule, false, true)
	assert.False(t, plan.Recursive)
	assert.True(t, plan.Streaming)
	assert.Equal(t, rule.Body, plan.Body)
}

func TestGenerate_RecursiveWrapsFixPoint(t *testing.T) {
	rule := &ir.Rule{HeadRelation: "reach", Body: ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}}}
	plan := Generate(rule, true, true)
	require.True(t, plan.Recursive)
	fp, ok := plan.Body.(ir.FixPoint)
	require.True(t, ok)
	assert.Equal(t, "reach", fp.Relation)
	assert.Equal(t, rule.Body, fp.Body)
}

func TestGenerateGroup_WrapsEveryRule(t *testing.T) {
	group := Group{
		Relations: []string{"even", "odd"},
		Rules: []*ir.Rule{
			{HeadRelation: "even", Body: ir.Scan{Relation: "odd", Vars: []string{"X"}}},
			{HeadRelation: "odd", Body: ir.Scan{Relation: "even", Vars: []string{"X"}}},
		},
	}
	plans := GenerateGroup(group, true)
	require.Len(t, plans, 2)
	for i, p := range plans {
		assert.True(t, p.Recursive)
		fp, ok := p.Body.(ir.FixPoint)
		require.True(t, ok)
		assert.Equal(t, group.Rules[i].HeadRelation, fp.Relation)
	}
}

func TestGenerateQuery_NeverStreamsOrRecurses(t *testing.T) {
	body := ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}}
	plan := GenerateQuery(body)
	assert.False(t, plan.Streaming)
	assert.False(t, plan.Recursive)
	assert.Empty(t, plan.Relation)
	assert.Equal(t, body, plan.Body)
}

func TestGenerate_SumHeadWrapsAggregate(t *testing.T) {
	// +tot(R, sum<A>) <- sale(R,A) (S5).
	rule := &ir.Rule{
		HeadRelation: "tot",
		HeadVars:     []string{"R", ""},
		Aggs:         []langparse.Agg{{FuncName: "sum", Args: []langparse.Term{langparse.Var{Name: "A"}}}},
		Body:         ir.Scan{Relation: "sale", Vars: []string{"R", "A"}},
	}
	plan := Generate(rule, false, true)
	agg, ok := plan.Body.(ir.Aggregate)
	require.True(t, ok)
	assert.Equal(t, []string{"R"}, agg.GroupVars)
	assert.Equal(t, ir.AggSum, agg.Func)
	assert.Equal(t, rule.Body, agg.Input)
	assert.NotEmpty(t, agg.OutputCol)
}

func TestGenerate_TopKHeadWrapsTopK(t *testing.T) {
	// +top(top_k<2, N, S, desc>) <- score(N,S) (S6).
	rule := &ir.Rule{
		HeadRelation: "top",
		HeadVars:     []string{""},
		Aggs: []langparse.Agg{{FuncName: "top_k", Args: []langparse.Term{
			langparse.Const{Value: value.Int64(2)},
			langparse.Var{Name: "N"},
			langparse.Var{Name: "S"},
			langparse.Const{Value: value.String("desc")},
		}}},
		Body: ir.Scan{Relation: "score", Vars: []string{"N", "S"}},
	}
	plan := Generate(rule, false, true)
	tk, ok := plan.Body.(ir.TopK)
	require.True(t, ok)
	assert.Equal(t, 2, tk.K)
	assert.Equal(t, []string{"N", "S"}, tk.Vars)
	assert.Equal(t, "S", tk.SortVar)
	assert.True(t, tk.Desc)
	assert.Equal(t, rule.Body, tk.Input)
}
