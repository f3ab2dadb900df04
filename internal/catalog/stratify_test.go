package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStratification_AcceptsAcyclicNegation(t *testing.T) {
	g := NewDepGraph()
	g.AddEdge("reachable", "edge", false)
	g.AddEdge("reachable", "blocked", true)
	assert.NoError(t, CheckStratification(g))
}

func TestCheckStratification_RejectsSelfNegation(t *testing.T) {
	g := NewDepGraph()
	g.AddEdge("bad", "edge", false)
	g.AddEdge("bad", "bad", true)

	err := CheckStratification(g)
	require.Error(t, err)
	var se *StratificationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bad", se.From)
	assert.Equal(t, "bad", se.To)
}

func TestCheckStratification_RejectsNegationThroughMutualRecursion(t *testing.T) {
	// even <- odd, even <- !even is a pathological case, but the more
	// realistic one is a two-relation cycle where the negation closes the
	// loop: a <- b, b <- !a puts a and b in the same SCC with a negated
	// edge crossing it.
	g := NewDepGraph()
	g.AddEdge("a", "b", false)
	g.AddEdge("b", "a", true)

	err := CheckStratification(g)
	require.Error(t, err)
}

func TestCheckStratification_AllowsPositiveRecursion(t *testing.T) {
	g := NewDepGraph()
	g.AddEdge("reach", "edge", false)
	g.AddEdge("reach", "reach", false)
	assert.NoError(t, CheckStratification(g))
}

func TestTopoOrder_DependenciesBeforeDependents(t *testing.T) {
	g := NewDepGraph()
	g.AddEdge("r2", "r1", false)
	g.AddEdge("r1", "edge", false)

	order := TopoOrder(g)
	indexOf := map[string]int{}
	for i, scc := range order {
		for _, n := range scc {
			indexOf[n] = i
		}
	}
	assert.Less(t, indexOf["edge"], indexOf["r1"])
	assert.Less(t, indexOf["r1"], indexOf["r2"])
}

func TestTopoOrder_CondensesMutualRecursionIntoOneGroup(t *testing.T) {
	g := NewDepGraph()
	g.AddEdge("even", "odd", false)
	g.AddEdge("odd", "even", false)

	order := TopoOrder(g)
	var group []string
	for _, scc := range order {
		if len(scc) > 1 {
			group = scc
		}
	}
	require.Len(t, group, 2)
	assert.ElementsMatch(t, []string{"even", "odd"}, group)
}
