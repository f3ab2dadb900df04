package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/runtime"
)

func TestShard_WriteBatchAndReadAllUpdates_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenShard(dir, "edge", 100)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch([]runtime.Update{update(1, 2, 0, 1), update(3, 4, 1, 1)}, 0, 2))

	out, err := s.ReadAllUpdates()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[1].Time)
	assert.Equal(t, uint64(2), s.Meta().Upper)
}

func TestShard_AutoCompactsAfterBatchCountThreshold(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenShard(dir, "edge", 2)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch([]runtime.Update{update(1, 2, 0, 1)}, 0, 1))
	require.NoError(t, s.WriteBatch([]runtime.Update{update(3, 4, 1, 1)}, 1, 2))
	require.NoError(t, s.WriteBatch([]runtime.Update{update(5, 6, 2, 1)}, 2, 3))

	// The third WriteBatch pushed the batch count past autoCompactAfter=2,
	// so it must have triggered an automatic compaction down to one batch.
	assert.Len(t, s.Batches(), 1)

	out, err := s.ReadAllUpdates()
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestShard_Compact_NetsMultiplicitiesAndDropsZero(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenShard(dir, "edge", 100)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch([]runtime.Update{update(1, 2, 0, 1)}, 0, 1))
	require.NoError(t, s.WriteBatch([]runtime.Update{update(1, 2, 0, -1)}, 1, 2)) // deletes the same tuple at the same time
	require.NoError(t, s.Compact())

	out, err := s.ReadAllUpdates()
	require.NoError(t, err)
	assert.Empty(t, out, "a +1/-1 pair at the same time must net to zero and be dropped by compaction")
	assert.Len(t, s.Batches(), 1)
}

func TestShard_OpenShard_LoadsPersistedMetaAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenShard(dir, "edge", 100)
	require.NoError(t, err)
	require.NoError(t, s1.WriteBatch([]runtime.Update{update(1, 2, 0, 1)}, 0, 1))

	s2, err := OpenShard(dir, "edge", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s2.Meta().Upper)
	assert.Len(t, s2.Batches(), 1)
}
