package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/ir"
)

type fakeSchema map[string]int

func (f fakeSchema) Arity(relation string) (int, bool) {
	n, ok := f[relation]
	return n, ok
}

type recordedMaterialize struct {
	relation string
	src      string
}

type fakeHooks struct {
	schema        fakeSchema
	materialized  []recordedMaterialize
	unmaterialized []string
	failRelation  string
}

func (h *fakeHooks) hooks() Hooks {
	return Hooks{
		Schema: h.schema,
		Materialize: func(rule *ir.Rule, src string) error {
			h.materialized = append(h.materialized, recordedMaterialize{relation: rule.HeadRelation, src: src})
			return nil
		},
		Unmaterialize: func(relation string) error {
			h.unmaterialized = append(h.unmaterialized, relation)
			return nil
		},
	}
}

func TestCatalog_Register_StratifiesAndMaterializes(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())

	err := c.Register("reach", "reach(X, Y) <- edge(X, Y).")
	require.NoError(t, err)

	require.Len(t, h.materialized, 1)
	assert.Equal(t, "reach", h.materialized[0].relation)
	assert.Equal(t, []string{"reach"}, c.List())
}

func TestCatalog_Register_RejectsSelfNegatingRule(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())

	err := c.Register("bad", "bad(X) <- edge(X, Y), !bad(X).")
	require.Error(t, err)
	assert.Empty(t, c.List())
	assert.Empty(t, h.materialized)
}

func TestCatalog_Register_RejectsUnsafeRule(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())

	err := c.Register("bad", "bad(X, Y) <- !edge(X, Y).")
	require.Error(t, err)
	assert.Empty(t, c.List())
}

func TestCatalog_Remove_UnmaterializesAndDrops(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())
	require.NoError(t, c.Register("reach", "reach(X, Y) <- edge(X, Y)."))

	require.NoError(t, c.Remove("reach"))
	assert.Empty(t, c.List())
	assert.Equal(t, []string{"reach"}, h.unmaterialized)

	err := c.Remove("reach")
	require.Error(t, err)
}

func TestCatalog_RemoveByPrefix_RequiresNonEmptyPrefix(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())
	_, err := c.RemoveByPrefix("")
	require.Error(t, err)
}

func TestCatalog_RemoveByPrefix_RemovesMatchingRules(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())
	require.NoError(t, c.Register("tmp_a", "tmp_a(X, Y) <- edge(X, Y)."))
	require.NoError(t, c.Register("tmp_b", "tmp_b(X, Y) <- edge(X, Y)."))
	require.NoError(t, c.Register("keep", "keep(X, Y) <- edge(X, Y)."))

	n, err := c.RemoveByPrefix("tmp_")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"keep"}, c.List())
	assert.ElementsMatch(t, []string{"tmp_a", "tmp_b"}, h.unmaterialized)
}

func TestCatalog_Show_ReturnsRoundTrippedSource(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())
	require.NoError(t, c.Register("reach", "reach(X, Y) <- edge(X, Y)."))

	src, err := c.Show("reach")
	require.NoError(t, err)
	assert.Contains(t, src, "reach(X, Y)")

	_, err = c.Show("nope")
	require.Error(t, err)
}

func TestCatalog_Open_ReplaysInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	// r2 depends on the derived relation r1, so a SchemaLookup that only
	// knows about base relations would reject it; stand in for the L7
	// schema catalog already knowing r1's arity from L9's wiring.
	schema := fakeSchema{"edge": 2, "r1": 2}
	h1 := &fakeHooks{schema: schema}
	c1 := NewCatalog(dir, h1.hooks())
	require.NoError(t, c1.Register("r1", "r1(X, Y) <- edge(X, Y)."))
	require.NoError(t, c1.Register("r2", "r2(X, Y) <- r1(X, Y)."))

	require.FileExists(t, filepath.Join(dir, "rules.json"))

	h2 := &fakeHooks{schema: schema}
	c2 := NewCatalog(dir, h2.hooks())
	require.NoError(t, c2.Open())

	assert.Equal(t, []string{"r1", "r2"}, c2.List())
	require.Len(t, h2.materialized, 2)
	assert.Equal(t, "r1", h2.materialized[0].relation, "r1 must replay before r2 since r2 depends on it")
	assert.Equal(t, "r2", h2.materialized[1].relation)
}

func TestCatalog_Open_NoFileIsNotAnError(t *testing.T) {
	h := &fakeHooks{schema: fakeSchema{"edge": 2}}
	c := NewCatalog(t.TempDir(), h.hooks())
	require.NoError(t, c.Open())
	assert.Empty(t, c.List())
}
