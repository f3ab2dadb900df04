package kg

import (
	"context"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/persist"
	"inputlayer/internal/runtime"
)

// manualClock gives every test its own monotonically increasing logical
// clock, the way storage.Engine does for real callers.
func manualClock() Clock {
	var n uint64
	return func() uint64 { return atomic.AddUint64(&n, 1) }
}

func openTestKG(t *testing.T) *KnowledgeGraph {
	t.Helper()
	opts := DefaultOptions()
	opts.WALBatchSize = 4
	g, err := Open(t.TempDir(), "test", manualClock(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func queryInts(t *testing.T, g *KnowledgeGraph, src string, col string) []int64 {
	t.Helper()
	results, err := g.Execute(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, results, 1)
	rows, ok := results[0].([]runtime.Row)
	require.True(t, ok)
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		v, ok := r.Bind[col].AsInt64()
		require.True(t, ok)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// S1 — Transitive closure (spec §8).
func TestS1_TransitiveClosure(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+edge[(1, 2), (2, 3), (3, 4)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+path(X, Y) <- edge(X, Y).`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+path(X, Z) <- path(X, Y), edge(Y, Z).`)
	require.NoError(t, err)

	got := queryInts(t, g, `?path(1, X).`, "X")
	assert.Equal(t, []int64{2, 3, 4}, got)
}

// S2 — Incremental update (spec §8): after S1, inserting one more edge
// extends path's result without re-registering any rule.
func TestS2_IncrementalUpdate(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+edge[(1, 2), (2, 3), (3, 4)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+path(X, Y) <- edge(X, Y).`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+path(X, Z) <- path(X, Y), edge(Y, Z).`)
	require.NoError(t, err)

	_, err = g.Execute(ctx, `+edge(4, 5).`)
	require.NoError(t, err)

	got := queryInts(t, g, `?path(1, X).`, "X")
	assert.Equal(t, []int64{2, 3, 4, 5}, got)
}

// S3 — Schema rejection atomicity (spec §8 property 3): an incompatible
// schema registration leaves the relation's existing data untouched and
// is itself rejected, not partially applied.
func TestS3_SchemaRejectionLeavesDataIntact(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+person(1, "not-an-int-age").`)
	require.NoError(t, err)

	_, err = g.Execute(ctx, `+person(id:int, age:int).`)
	assert.Error(t, err)

	got := queryInts(t, g, `?person(X, Y).`, "X")
	assert.Equal(t, []int64{1}, got)
}

// S4 — Stratified negation: a relation defined with negation over another
// relation only includes rows the negated relation doesn't already cover.
func TestS4_StratifiedNegation(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+node[(1), (2), (3)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+excluded(2).`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+kept(X) <- node(X), !excluded(X).`)
	require.NoError(t, err)

	got := queryInts(t, g, `?kept(X).`, "X")
	assert.Equal(t, []int64{1, 3}, got)
}

// S5 — Sum aggregation.
func TestS5_SumAggregation(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+sale[(1, 10), (1, 20), (2, 5)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+total(C, sum<A>) <- sale(C, A).`)
	require.NoError(t, err)

	results, err := g.Execute(ctx, `?total(1, S).`)
	require.NoError(t, err)
	rows := results[0].([]runtime.Row)
	require.Len(t, rows, 1)
	s, ok := rows[0].Bind["S"].AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(30), s)
}

// S6 — top_k.
func TestS6_TopK(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+score[(1, 50), (2, 90), (3, 70), (4, 10)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+best(top_k<2, Id, S, desc>) <- score(Id, S).`)
	require.NoError(t, err)

	results, err := g.Execute(ctx, `?best(Id, S).`)
	require.NoError(t, err)
	rows := results[0].([]runtime.Row)
	assert.Len(t, rows, 2)
}

// Recovery equivalence (spec §8 property 6): reopening a KG from the same
// directory reproduces its pre-close state.
func TestRecovery_ReopenReproducesState(t *testing.T) {
	dir := t.TempDir()
	clock := manualClock()
	opts := DefaultOptions()

	g, err := Open(dir, "kg1", clock, opts)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = g.Execute(ctx, `+edge[(1, 2), (2, 3)].`)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	g2, err := Open(dir, "kg1", clock, opts)
	require.NoError(t, err)
	defer g2.Close()

	got := queryInts(t, g2, `?edge(1, X).`, "X")
	assert.Equal(t, []int64{2}, got)
}

func TestConditionalDelete_DeletesAgainstPreDeleteSnapshot(t *testing.T) {
	g := openTestKG(t)
	ctx := context.Background()

	_, err := g.Execute(ctx, `+stale[(1), (2), (3)].`)
	require.NoError(t, err)
	_, err = g.Execute(ctx, `+flag(1).`)
	require.NoError(t, err)

	_, err = g.Execute(ctx, `-stale(X) <- flag(X).`)
	require.NoError(t, err)

	got := queryInts(t, g, `?stale(X).`, "X")
	assert.Equal(t, []int64{2, 3}, got)
}

func TestShardFlush_ThresholdTriggersWrite(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.WALBatchSize = 2
	g, err := Open(dir, "kg2", manualClock(), opts)
	require.NoError(t, err)
	defer g.Close()

	ctx := context.Background()
	_, err = g.Execute(ctx, `+r[(1), (2), (3), (4), (5)].`)
	require.NoError(t, err)

	shard, err := persist.OpenShard(filepath.Join(dir, "kg2"), "r", opts.AutoCompactThreshold)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(shard.Batches()), 1)
}
