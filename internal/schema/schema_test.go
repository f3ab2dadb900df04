package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlayer/internal/value"
)

func personSchema() Schema {
	return Schema{
		Relation: "person",
		Columns: []Column{
			{Name: "id", Type: TypeInt64},
			{Name: "name", Type: TypeString},
			{Name: "embedding", Type: TypeVector, Dim: 3},
		},
	}
}

func TestCatalog_ValidateInsert_AcceptsMatchingTuple(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))

	row := value.NewTuple(value.Int64(1), value.String("alice"), value.Vector([]float32{1, 2, 3}))
	assert.NoError(t, c.ValidateInsert("person", row))
}

func TestCatalog_ValidateInsert_RejectsArityMismatch(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))

	row := value.NewTuple(value.Int64(1), value.String("alice"))
	err := c.ValidateInsert("person", row)
	require.Error(t, err)
}

func TestCatalog_ValidateInsert_RejectsWrongColumnType(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))

	row := value.NewTuple(value.String("not-an-id"), value.String("alice"), value.Vector([]float32{1, 2, 3}))
	err := c.ValidateInsert("person", row)
	require.Error(t, err)
}

func TestCatalog_ValidateInsert_IntNeverWidensIntoFloatStorage(t *testing.T) {
	c := NewCatalog()
	s := Schema{Relation: "amount", Columns: []Column{{Name: "v", Type: TypeFloat64}}}
	require.NoError(t, c.RegisterPersistent(s, nil))

	row := value.NewTuple(value.Int64(5))
	err := c.ValidateInsert("amount", row)
	require.Error(t, err, "a float column must reject an int value rather than silently widen it")
}

func TestCatalog_ValidateInsert_RejectsWrongVectorDimension(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))

	row := value.NewTuple(value.Int64(1), value.String("alice"), value.Vector([]float32{1, 2}))
	err := c.ValidateInsert("person", row)
	require.Error(t, err)
}

func TestCatalog_ValidateInsert_NullIsAlwaysAccepted(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))

	row := value.NewTuple(value.Int64(1), value.Null, value.Vector([]float32{1, 2, 3}))
	assert.NoError(t, c.ValidateInsert("person", row))
}

func TestCatalog_ValidateInsert_UnregisteredRelationFails(t *testing.T) {
	c := NewCatalog()
	_, ok := c.Get("ghost")
	assert.False(t, ok)
	err := c.ValidateInsert("ghost", value.NewTuple(value.Int64(1)))
	require.Error(t, err)
}

func TestCatalog_RegisterPersistent_RevalidatesExistingTuplesAndRejectsAtomically(t *testing.T) {
	c := NewCatalog()
	loose := Schema{Relation: "thing", Columns: []Column{{Name: "v", Type: TypeString}}}
	require.NoError(t, c.RegisterPersistent(loose, nil))

	existing := []value.Tuple{value.NewTuple(value.String("ok")), value.NewTuple(value.String("also-a-string"))}
	existingFn := func(relation string) []value.Tuple { return existing }

	tighter := Schema{Relation: "thing", Columns: []Column{{Name: "v", Type: TypeInt64}}}
	err := c.RegisterPersistent(tighter, existingFn)
	require.Error(t, err, "existing string tuples violate the new int-typed schema")

	// The rejected registration must leave the previous schema in place.
	got, ok := c.Get("thing")
	require.True(t, ok)
	assert.Equal(t, TypeString, got.Columns[0].Type)
}

func TestCatalog_RegisterSession_IsNeverPersistent(t *testing.T) {
	c := NewCatalog()
	s := Schema{Relation: "scratch", Columns: []Column{{Name: "v", Type: TypeInt64}}, Persistent: true}
	require.NoError(t, c.RegisterSession(s, nil))

	got, ok := c.Get("scratch")
	require.True(t, ok)
	assert.False(t, got.Persistent, "RegisterSession must force Persistent=false regardless of the input Schema")
}

func TestCatalog_Arity_MatchesColumnCount(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterPersistent(personSchema(), nil))
	n, ok := c.Arity("person")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = c.Arity("ghost")
	assert.False(t, ok)
}
