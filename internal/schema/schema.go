// Package schema implements L7: the per-KG schema catalog and validation
// gate (spec §4.4). Every ingest passes through Validate before reaching
// the runtime; registering a schema against a relation that already holds
// tuples validates every existing tuple first and rejects atomically on
// the first violation, because existing data is never silently discarded.
package schema

import (
	"fmt"
	"sync"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/langparse"
	"inputlayer/internal/value"
)

// ColumnType enumerates the storage types a column may declare.
type ColumnType string

const (
	TypeInt64    ColumnType = "int"
	TypeFloat64  ColumnType = "float"
	TypeBool     ColumnType = "bool"
	TypeString   ColumnType = "string"
	TypeVector   ColumnType = "vector"
	TypeVectorI8 ColumnType = "vector_i8"
)

// Column is one schema column: its declared type and, for vector columns,
// an optional fixed dimensionality.
type Column struct {
	Name string
	Type ColumnType
	Dim  int
}

// Schema is one relation's registered column set.
type Schema struct {
	Relation   string
	Columns    []Column
	Persistent bool // false for register_session (memory-only, not written to disk)
}

func (s Schema) Arity() int { return len(s.Columns) }

// Catalog is the per-KG relation→schema registry.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewCatalog() *Catalog {
	return &Catalog{schemas: map[string]Schema{}}
}

// Get returns the schema registered for relation, if any.
func (c *Catalog) Get(relation string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[relation]
	return s, ok
}

// Arity implements ir.SchemaLookup.
func (c *Catalog) Arity(relation string) (int, bool) {
	s, ok := c.Get(relation)
	if !ok {
		return 0, false
	}
	return s.Arity(), true
}

// ExistingTuples supplies the current tuples of relation, if any, for
// re-validation when a schema is (re)registered over live data.
type ExistingTuples func(relation string) []value.Tuple

// RegisterPersistent registers a schema that will be written to disk on
// success. If existing holds any tuples for s.Relation, every one of them
// is validated against s first; on the first violation the registration
// is rejected and the offending tuple is reported, leaving the previous
// schema (if any) and all existing data untouched.
func (c *Catalog) RegisterPersistent(s Schema, existing ExistingTuples) error {
	s.Persistent = true
	return c.register(s, existing)
}

// RegisterSession registers a memory-only schema (never persisted).
func (c *Catalog) RegisterSession(s Schema, existing ExistingTuples) error {
	s.Persistent = false
	return c.register(s, existing)
}

func (c *Catalog) register(s Schema, existing ExistingTuples) error {
	if existing != nil {
		for _, t := range existing(s.Relation) {
			if err := validateTuple(s, t); err != nil {
				return coreerr.Conflict(fmt.Sprintf("schema registration for %q rejected: existing tuple %s violates new schema", s.Relation, t.String()), err)
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[s.Relation] = s
	return nil
}

// ValidateInsert checks a candidate insert tuple's arity and per-column
// type compatibility against relation's registered schema, widening int to
// float in arithmetic contexts but never silently reinterpreting storage
// (spec §4.4).
func (c *Catalog) ValidateInsert(relation string, t value.Tuple) error {
	s, ok := c.Get(relation)
	if !ok {
		return coreerr.NotFound(fmt.Sprintf("relation %q has no registered schema", relation), nil)
	}
	return validateTuple(s, t)
}

func validateTuple(s Schema, t value.Tuple) error {
	if t.Arity() != s.Arity() {
		return coreerr.Validation(fmt.Sprintf("relation %q expects arity %d, got %d", s.Relation, s.Arity(), t.Arity()), nil)
	}
	for i, col := range s.Columns {
		if err := validateColumn(col, t.At(i)); err != nil {
			return err
		}
	}
	return nil
}

func validateColumn(col Column, v value.Value) error {
	if v.IsNull() {
		return nil
	}
	switch col.Type {
	case TypeInt64:
		if _, ok := v.AsInt64(); !ok {
			return coreerr.Validation(fmt.Sprintf("column %q expects int, got %s", col.Name, v.Kind()), nil)
		}
	case TypeFloat64:
		if v.Kind() != value.KindFloat64 {
			return coreerr.Validation(fmt.Sprintf("column %q expects float (storage does not widen int), got %s", col.Name, v.Kind()), nil)
		}
	case TypeBool:
		if _, ok := v.AsBool(); !ok {
			return coreerr.Validation(fmt.Sprintf("column %q expects bool, got %s", col.Name, v.Kind()), nil)
		}
	case TypeString:
		if _, ok := v.AsString(); !ok {
			return coreerr.Validation(fmt.Sprintf("column %q expects string, got %s", col.Name, v.Kind()), nil)
		}
	case TypeVector:
		vec, ok := v.AsVector()
		if !ok {
			return coreerr.Validation(fmt.Sprintf("column %q expects vector, got %s", col.Name, v.Kind()), nil)
		}
		if col.Dim > 0 && len(vec) != col.Dim {
			return coreerr.Validation(fmt.Sprintf("column %q expects vector of dimension %d, got %d", col.Name, col.Dim, len(vec)), nil)
		}
	case TypeVectorI8:
		if _, ok := v.AsVectorI8(); !ok {
			return coreerr.Validation(fmt.Sprintf("column %q expects vector_i8, got %s", col.Name, v.Kind()), nil)
		}
	default:
		return coreerr.Internal(fmt.Sprintf("unknown column type %q", col.Type), nil)
	}
	return nil
}

// FromDecl converts a parsed schema declaration statement into a Schema.
func FromDecl(decl langparse.SchemaStmt) Schema {
	cols := make([]Column, len(decl.Columns))
	for i, c := range decl.Columns {
		cols[i] = Column{Name: c.Name, Type: ColumnType(c.Type), Dim: c.Dim}
	}
	return Schema{Relation: decl.Relation, Columns: cols}
}
