// Package value implements L0: the tagged scalar Value union and the Tuple
// it composes into. Strings and vectors clone in O(1) by sharing their
// backing storage through a pointer (Go's GC plays the role the spec
// describes as "reference-counted": the backing array/string header is
// never copied on Value/Tuple clone, only the header).
package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindVector
	KindVectorI8
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindVector:
		return "vector"
	case KindVectorI8:
		return "vector_i8"
	default:
		return "unknown"
	}
}

// Value is a tagged scalar: Null | Bool | Int64 | Float64 | String |
// Vector<F32> | VectorI8. Values are immutable once constructed.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    *string   // shared; nil unless kind == KindString
	v32  *[]float32 // shared; nil unless kind == KindVector
	v8   *[]int8    // shared; nil unless kind == KindVectorI8
}

// Null is the singleton null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value    { return Value{kind: KindBool, b: b} }
func Int64(i int64) Value  { return Value{kind: KindInt64, i: i} }
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// String wraps s without copying; the returned Value shares s's backing
// storage with every clone.
func String(s string) Value { return Value{kind: KindString, s: &s} }

// Vector wraps a []float32 by reference (O(1) clone). Callers must not
// mutate v after passing it in.
func Vector(v []float32) Value { return Value{kind: KindVector, v32: &v} }

// VectorI8 wraps a []int8 by reference (O(1) clone), used for quantized
// embeddings.
func VectorI8(v []int8) Value { return Value{kind: KindVectorI8, v8: &v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindInt64 {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat64:
		return v.f, true
	case KindInt64:
		// Widening is permitted in arithmetic contexts, never in storage (spec §4.4).
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString || v.s == nil {
		return "", false
	}
	return *v.s, true
}

func (v Value) AsVector() ([]float32, bool) {
	if v.kind != KindVector || v.v32 == nil {
		return nil, false
	}
	return *v.v32, true
}

func (v Value) AsVectorI8() ([]int8, bool) {
	if v.kind != KindVectorI8 || v.v8 == nil {
		return nil, false
	}
	return *v.v8, true
}

// totalFloatKey maps a float64 onto a bit pattern with a deterministic total
// order (NaN sorts as greater than +Inf, consistently with itself), so that
// Values can live as ordered-map keys without surprising comparisons.
func totalFloatKey(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// Compare implements a total order across all Values, first by Kind then
// by payload. Used for ordered-map placement (spec §3) and tuple
// lexicographic comparison.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindInt64:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	case KindFloat64:
		ka, kb := totalFloatKey(a.f), totalFloatKey(b.f)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		default:
			return 0
		}
	case KindString:
		as, bs := "", ""
		if a.s != nil {
			as = *a.s
		}
		if b.s != nil {
			bs = *b.s
		}
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	case KindVector:
		return compareFloat32Slices(derefV32(a.v32), derefV32(b.v32))
	case KindVectorI8:
		return compareInt8Slices(derefV8(a.v8), derefV8(b.v8))
	default:
		return 0
	}
}

func derefV32(p *[]float32) []float32 {
	if p == nil {
		return nil
	}
	return *p
}

func derefV8(p *[]int8) []int8 {
	if p == nil {
		return nil
	}
	return *p
}

func compareFloat32Slices(a, b []float32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ka, kb := totalFloatKey(float64(a[i])), totalFloatKey(float64(b[i]))
		if ka != kb {
			if ka < kb {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func compareInt8Slices(a, b []int8) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Equal reports whether two Values compare equal under the total order.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		if v.s == nil {
			return `""`
		}
		return fmt.Sprintf("%q", *v.s)
	case KindVector:
		return fmt.Sprintf("%v", derefV32(v.v32))
	case KindVectorI8:
		return fmt.Sprintf("%v", derefV8(v.v8))
	default:
		return "<?>"
	}
}

// Encode writes a self-describing byte representation of v: a one-byte tag
// followed by the payload. Used by both the WAL and the batch format so
// that recovery works from persisted bytes alone without a companion
// schema (spec §3).
func Encode(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.i))
		buf.Write(b[:])
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.f))
		buf.Write(b[:])
	case KindString:
		s := ""
		if v.s != nil {
			s = *v.s
		}
		writeLenPrefixed(buf, []byte(s))
	case KindVector:
		vals := derefV32(v.v32)
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(vals)))
		buf.Write(lb[:])
		for _, f := range vals {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
			buf.Write(b[:])
		}
	case KindVectorI8:
		vals := derefV8(v.v8)
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(vals)))
		buf.Write(lb[:])
		for _, i8 := range vals {
			buf.WriteByte(byte(i8))
		}
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf.Write(lb[:])
	buf.Write(b)
}

// Decode reads one self-describing Value from data, returning the number of
// bytes consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("value: empty buffer")
	}
	kind := Kind(data[0])
	rest := data[1:]
	switch kind {
	case KindNull:
		return Null, 1, nil
	case KindBool:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("value: truncated bool")
		}
		return Bool(rest[0] != 0), 2, nil
	case KindInt64:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: truncated int64")
		}
		return Int64(int64(binary.BigEndian.Uint64(rest[:8]))), 9, nil
	case KindFloat64:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("value: truncated float64")
		}
		return Float64(math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))), 9, nil
	case KindString:
		s, n, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return String(string(s)), 1 + n, nil
	case KindVector:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("value: truncated vector length")
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < n*4 {
			return Value{}, 0, fmt.Errorf("value: truncated vector payload")
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(rest[i*4 : i*4+4]))
		}
		return Vector(out), 1 + 4 + n*4, nil
	case KindVectorI8:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("value: truncated vectori8 length")
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < n {
			return Value{}, 0, fmt.Errorf("value: truncated vectori8 payload")
		}
		out := make([]int8, n)
		for i := 0; i < n; i++ {
			out[i] = int8(rest[i])
		}
		return VectorI8(out), 1 + 4 + n, nil
	default:
		return Value{}, 0, fmt.Errorf("value: unknown tag %d", kind)
	}
}

func readLenPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("value: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) < n {
		return nil, 0, fmt.Errorf("value: truncated payload")
	}
	return data[:n], 4 + n, nil
}

// SortValues sorts a slice of Values in place using the total order.
func SortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool { return Compare(vs[i], vs[j]) < 0 })
}
