package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"inputlayer/internal/ir"
	"inputlayer/internal/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorker_ShutdownStopsGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWorker(Hooks{}, 8)
	require.NoError(t, w.AddRelation("edge", 2))
	require.NoError(t, w.InsertDelta(context.Background(), "edge", Update{Tuple: value.NewTuple(value.Int64(1), value.Int64(2)), Time: 1, Diff: 1}))
	require.NoError(t, w.WaitUntilCaughtUp())
	require.NoError(t, w.Shutdown())
}

func TestWorker_ShutdownAfterReadConsistentStopsGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWorker(Hooks{}, 8)
	require.NoError(t, w.AddRelation("edge", 2))
	rows, err := w.ReadConsistent(func(sessions map[string]*Session, asOf uint64) ([]Row, error) {
		return Eval(ir.Scan{Relation: "edge", Vars: []string{"X", "Y"}}, &EvalContext{Sessions: sessions, AsOf: asOf})
	})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.NoError(t, w.Shutdown())
}
