package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

func update(a, b int64, time uint64, diff int64) runtime.Update {
	return runtime.Update{Tuple: value.NewTuple(value.Int64(a), value.Int64(b)), Time: time, Diff: diff}
}

func TestWAL_AppendAndReplay_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir, Immediate, 1<<20, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append("kg1:edge", update(1, 2, 0, 1)))
	require.NoError(t, w.Append("kg1:edge", update(3, 4, 1, 1)))
	require.NoError(t, w.Close())

	records, err := ReplayWAL(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "kg1:edge", records[0].Shard)
	assert.True(t, value.TuplesEqual(value.NewTuple(value.Int64(1), value.Int64(2)), records[0].Tuple))
	assert.Equal(t, uint64(1), records[1].Time)
}

func TestWAL_Rollover_CreatesNewSegmentOnceMaxBytesExceeded(t *testing.T) {
	dir := t.TempDir()
	// A tiny maxBytes forces every append, the first included, to roll over.
	w, err := NewWAL(dir, Immediate, 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append("kg1:edge", update(1, 2, 0, 1)))
	require.NoError(t, w.Append("kg1:edge", update(3, 4, 1, 1)))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "expected rollover to produce more than one segment file")

	records, err := ReplayWAL(dir)
	require.NoError(t, err)
	assert.Len(t, records, 2, "every record must still be recoverable across the rolled-over segments")
}

func TestReplayWAL_DiscardsCorruptTrailingRecordWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir, Immediate, 1<<20, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append("kg1:edge", update(1, 2, 0, 1)))
	require.NoError(t, w.Close())

	segPath := filepath.Join(dir, "wal-00000000.log")
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("deadbeef:{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReplayWAL(dir)
	require.NoError(t, err, "a corrupt trailing record must be skipped, not fail the whole replay")
	require.Len(t, records, 1)
	assert.True(t, value.TuplesEqual(value.NewTuple(value.Int64(1), value.Int64(2)), records[0].Tuple))
}

func TestReplayWAL_MissingDirectoryReturnsEmptyNotError(t *testing.T) {
	records, err := ReplayWAL(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProductionWarning_FlagsWeakerThanImmediate(t *testing.T) {
	warn, _ := ProductionWarning(Immediate)
	assert.False(t, warn)

	warn, msg := ProductionWarning(Batched)
	assert.True(t, warn)
	assert.NotEmpty(t, msg)

	warn, msg = ProductionWarning(Async)
	assert.True(t, warn)
	assert.NotEmpty(t, msg)
}
