package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"inputlayer/internal/value"
)

func tup(vals ...int64) value.Tuple {
	vs := make([]value.Value, len(vals))
	for i, v := range vals {
		vs[i] = value.Int64(v)
	}
	return value.NewTuple(vs...)
}

func TestSession_ConsolidatedNetsMultiplicities(t *testing.T) {
	s := NewSession("edge", 2)
	s.Insert(tup(1, 2), 0)
	s.Insert(tup(1, 2), 1) // net +2
	s.Delete(tup(1, 2), 2) // net +1

	out := s.Consolidated(2)
	assert.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].Diff)
}

func TestSession_ConsolidatedDropsZeroMultiplicity(t *testing.T) {
	s := NewSession("edge", 2)
	s.Insert(tup(1, 2), 0)
	s.Delete(tup(1, 2), 1)
	assert.Empty(t, s.Consolidated(1))
}

func TestSession_ConsolidatedRespectsAsOf(t *testing.T) {
	s := NewSession("edge", 2)
	s.Insert(tup(1, 2), 0)
	s.Insert(tup(3, 4), 5)
	out := s.Consolidated(0)
	assert.Len(t, out, 1)
	assert.True(t, value.TuplesEqual(tup(1, 2), out[0].Tuple))
}

func TestSession_MaxTime(t *testing.T) {
	s := NewSession("edge", 2)
	s.Insert(tup(1, 2), 3)
	s.Insert(tup(3, 4), 7)
	assert.Equal(t, uint64(7), s.MaxTime())
}
