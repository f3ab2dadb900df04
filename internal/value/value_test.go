package value

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_NaNIsDeterministic(t *testing.T) {
	nan1 := Float64(math.NaN())
	nan2 := Float64(math.NaN())
	assert.Equal(t, 0, Compare(nan1, nan2), "NaN must compare equal to itself under total order")

	pinf := Float64(math.Inf(1))
	assert.Equal(t, 1, Compare(nan1, pinf), "NaN must sort deterministically above +Inf")
}

func TestCompare_KindOrdering(t *testing.T) {
	assert.True(t, Compare(Null, Bool(false)) < 0)
	assert.True(t, Compare(Bool(true), Int64(0)) < 0)
}

func TestValue_EncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Null,
		Bool(true),
		Int64(-42),
		Float64(3.25),
		String("hello"),
		Vector([]float32{1, 2, 3}),
		VectorI8([]int8{-1, 0, 1}),
	}
	for _, v := range cases {
		var buf bytes.Buffer
		Encode(&buf, v)
		got, n, err := Decode(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, buf.Len(), n)
		if diff := cmp.Diff(v.String(), got.String()); diff != "" {
			t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestTuple_LexicographicCompare(t *testing.T) {
	a := NewTuple(Int64(1), Int64(2))
	b := NewTuple(Int64(1), Int64(3))
	c := NewTuple(Int64(1))

	assert.True(t, CompareTuples(a, b) < 0)
	assert.True(t, CompareTuples(c, a) < 0, "prefix tuple sorts first")
	assert.True(t, TuplesEqual(a, NewTuple(Int64(1), Int64(2))))
}

func TestTuple_CloneIsCheap(t *testing.T) {
	orig := NewTuple(String("shared"), Vector([]float32{1, 2}))
	clone := orig // Go value copy of the struct; backing string/slice pointers shared
	assert.Equal(t, orig.Values()[0].String(), clone.Values()[0].String())
}
