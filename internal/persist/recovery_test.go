package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/runtime"
)

func TestRecover_EmptyDirectoryIsNotAnError(t *testing.T) {
	sessions, frontiers, err := Recover(t.TempDir(), 100)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, frontiers)
}

func TestRecover_ReplaysShardBatchesThenWALPastFrontier(t *testing.T) {
	dir := t.TempDir()

	shard, err := OpenShard(dir, "edge", 100)
	require.NoError(t, err)
	require.NoError(t, shard.WriteBatch([]runtime.Update{update(1, 2, 0, 1)}, 0, 1))

	w, err := NewWAL(filepath.Join(dir, "wal"), Immediate, 1<<20, 1)
	require.NoError(t, err)
	// This record falls inside the batch's covered range and must be
	// skipped to avoid double-counting what the batch already has.
	require.NoError(t, w.Append("kg:edge", update(1, 2, 0, 1)))
	// This one is past the shard's upper frontier and must be replayed.
	require.NoError(t, w.Append("kg:edge", update(3, 4, 1, 1)))
	require.NoError(t, w.Close())

	sessions, frontiers, err := Recover(dir, 100)
	require.NoError(t, err)
	require.Contains(t, sessions, "edge")

	out := sessions["edge"].Consolidated(^uint64(0))
	assert.Len(t, out, 2, "expected the batch tuple plus the one WAL record past the frontier")
	assert.Equal(t, uint64(2), frontiers["edge"])
}

func TestRecover_WALOnlyRelationWithNoShardStillReplays(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(filepath.Join(dir, "wal"), Immediate, 1<<20, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append("kg:fresh", update(5, 6, 0, 1)))
	require.NoError(t, w.Close())

	sessions, frontiers, err := Recover(dir, 100)
	require.NoError(t, err)
	require.Contains(t, sessions, "fresh")
	assert.Len(t, sessions["fresh"].Consolidated(^uint64(0)), 1)
	assert.Equal(t, uint64(1), frontiers["fresh"])
}
