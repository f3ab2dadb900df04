package derived

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/ir"
	"inputlayer/internal/value"
)

func tup(vals ...int64) value.Tuple {
	vs := make([]value.Value, len(vals))
	for i, v := range vals {
		vs[i] = value.Int64(v)
	}
	return value.NewTuple(vs...)
}

func copyOf(relation string) ir.Node {
	return ir.Project{Vars: []string{"X", "Y"}, Input: ir.Scan{Relation: relation, Vars: []string{"X", "Y"}}}
}

func tuples(rows ...value.Tuple) []value.Tuple { return rows }

func TestManager_RegisterRule_MaterializesAndPublishes(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2), tup(2, 3))))

	err := m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")})
	require.NoError(t, err)

	snap := m.Snapshot()
	got := snap.Relation("r1")
	require.Len(t, got, 2)
	assert.True(t, value.TuplesEqual(tup(1, 2), got[0]) || value.TuplesEqual(tup(1, 2), got[1]))
}

func TestManager_NotifyBaseUpdate_PropagatesThroughDependencyChain(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2))))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")}))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r2", Plan: copyOf("r1")}))

	snap := m.Snapshot()
	require.Len(t, snap.Relation("r2"), 1)
	assert.True(t, value.TuplesEqual(tup(1, 2), snap.Relation("r2")[0]))

	// Changing the base fact must cascade through r1 into r2 in one call,
	// since r2's only dependency is the derived relation r1, not edge
	// directly.
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2), tup(3, 4))))
	snap2 := m.Snapshot()
	require.Len(t, snap2.Relation("r1"), 2)
	require.Len(t, snap2.Relation("r2"), 2)
}

func TestManager_Snapshot_IsImmutableAcrossSubsequentWrites(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2))))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")}))

	old := m.Snapshot()
	oldR1 := old.Relation("r1")
	require.Len(t, oldR1, 1)

	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2), tup(5, 6), tup(7, 8))))

	// The snapshot taken before the write must still reflect exactly what
	// it did when it was handed out, even though the manager has since
	// replaced m.current and recomputed every dependent relation.
	assert.Len(t, old.Relation("r1"), 1)
	assert.True(t, value.TuplesEqual(tup(1, 2), old.Relation("r1")[0]))
	assert.Equal(t, uint64(1), old.Version)

	fresh := m.Snapshot()
	assert.Len(t, fresh.Relation("r1"), 3)
	assert.NotSame(t, old, fresh)
}

func TestManager_RemoveRule_DropsMaterializationAndDependencyEdge(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2))))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")}))
	require.Len(t, m.Snapshot().Relation("r1"), 1)

	require.NoError(t, m.RemoveRule("r1"))
	snap := m.Snapshot()
	assert.Empty(t, snap.Relation("r1"))

	// With r1's rule gone, a later base update must not resurrect it via
	// the dependency edge that used to point from edge to r1.
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2), tup(9, 9))))
	assert.Empty(t, m.Snapshot().Relation("r1"))
}

func TestManager_RegisterRule_ReferencingUnknownRelationFails(t *testing.T) {
	m := NewManager(nil)
	err := m.RegisterRule(&CompiledRule{Relation: "r2", Plan: copyOf("r1")})
	require.Error(t, err, "r1 has never been declared as a base or derived relation")
	assert.Empty(t, m.Snapshot().Relation("r2"))
}

func TestManager_RecomputeClosure_PicksUpDependentWhenUpstreamIsReRegistered(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.NotifyBaseUpdate("edge", tuples(tup(1, 2))))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")}))
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r2", Plan: copyOf("r1")}))
	require.Len(t, m.Snapshot().Relation("r2"), 1)

	// Re-registering r1 (e.g. after its compiled plan changed) must flow
	// through to r2 in the same call via r1's recorded dependents, not
	// require a separate base update to notice.
	require.NoError(t, m.RegisterRule(&CompiledRule{Relation: "r1", Plan: copyOf("edge")}))
	assert.Len(t, m.Snapshot().Relation("r2"), 1)
}
