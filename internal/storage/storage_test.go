package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/kg"
)

func testOpts() kg.Options {
	opts := kg.DefaultOptions()
	opts.CommandBufferSize = 16
	return opts
}

func TestOpen_CreatesIdentityFileOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)
	require.NotEmpty(t, e.EngineID())
}

func TestOpen_ReusesIdentityAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(dir, testOpts())
	require.NoError(t, err)
	id := e1.EngineID()

	e2, err := Open(dir, testOpts())
	require.NoError(t, err)
	assert.Equal(t, id, e2.EngineID())
}

func TestEngine_CreateThenGetReturnsTheSameKG(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	g1, err := e.Create("alpha")
	require.NoError(t, err)
	defer g1.Close()

	g2, err := e.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, g1, g2)
}

func TestEngine_CreateRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	g, err := e.Create("alpha")
	require.NoError(t, err)
	defer g.Close()

	_, err = e.Create("alpha")
	assert.Error(t, err)
}

func TestEngine_GetUnknownNameFails(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	_, err = e.Get("nope")
	assert.Error(t, err)
}

func TestEngine_DropRefusesWhileSessionsAreLive(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	g, err := e.Create("alpha")
	require.NoError(t, err)
	defer g.Close()

	err = e.Drop(nil, "alpha", 1)
	assert.Error(t, err)
}

func TestEngine_DropRemovesOnDiskState(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	_, err = e.Create("alpha")
	require.NoError(t, err)

	require.NoError(t, e.Drop(nil, "alpha", 0))
	_, err = e.Get("alpha")
	assert.Error(t, err, "dropped KG should no longer be loadable")
}

func TestEngine_ListReturnsEveryLoadedName(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOpts())
	require.NoError(t, err)

	g1, err := e.Create("alpha")
	require.NoError(t, err)
	defer g1.Close()
	g2, err := e.Create("beta")
	require.NoError(t, err)
	defer g2.Close()

	assert.ElementsMatch(t, []string{"alpha", "beta"}, e.List())
}
