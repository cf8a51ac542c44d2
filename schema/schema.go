// Package schema holds the logical schema model shared by every component.
// Connectors map their wire types onto the closed ColumnType set at the
// boundary; everything inside the pipeline operates only on these types.
package schema

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ColumnType is the closed set of logical column types.
type ColumnType string

const (
	TypeInteger   ColumnType = "INTEGER"
	TypeBigInt    ColumnType = "BIGINT"
	TypeFloat     ColumnType = "FLOAT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeString    ColumnType = "STRING"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeDate      ColumnType = "DATE"
	TypeJSON      ColumnType = "JSON"
	TypeBinary    ColumnType = "BINARY"
	TypeNull      ColumnType = "NULL"
)

var knownTypes = map[ColumnType]struct{}{
	TypeInteger: {}, TypeBigInt: {}, TypeFloat: {}, TypeDouble: {},
	TypeString: {}, TypeBoolean: {}, TypeTimestamp: {}, TypeDate: {},
	TypeJSON: {}, TypeBinary: {}, TypeNull: {},
}

// Valid reports whether t is one of the closed set.
func (t ColumnType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Column describes one column in logical terms. Type is the source
// type; StoredAs, when set, is the type the destination actually holds
// the column as (string-storage fallback).
type Column struct {
	Name      string     `msgpack:"name"`
	Type      ColumnType `msgpack:"type"`
	Nullable  bool       `msgpack:"nullable"`
	Default   any        `msgpack:"default,omitempty"`
	MaxLength int        `msgpack:"max_length,omitempty"`
	Precision int        `msgpack:"precision,omitempty"`
	Scale     int        `msgpack:"scale,omitempty"`
	StoredAs  ColumnType `msgpack:"stored_as,omitempty"`
}

// Storage returns the type the destination holds this column as.
func (c Column) Storage() ColumnType {
	if c.StoredAs != "" {
		return c.StoredAs
	}
	return c.Type
}

// Equal compares two column definitions field by field.
func (c Column) Equal(o Column) bool {
	return c.Name == o.Name &&
		c.Type == o.Type &&
		c.Nullable == o.Nullable &&
		fmt.Sprint(c.Default) == fmt.Sprint(o.Default) &&
		c.MaxLength == o.MaxLength &&
		c.Precision == o.Precision &&
		c.Scale == o.Scale &&
		c.StoredAs == o.StoredAs
}

// Table is an ordered logical table definition.
type Table struct {
	Name        string     `msgpack:"name"`
	Columns     []Column   `msgpack:"columns"`
	PrimaryKeys []string   `msgpack:"primary_keys,omitempty"`
	Indexes     [][]string `msgpack:"indexes,omitempty"`
}

// Column returns the named column, or nil when absent.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := t
	out.Columns = append([]Column(nil), t.Columns...)
	out.PrimaryKeys = append([]string(nil), t.PrimaryKeys...)
	if t.Indexes != nil {
		out.Indexes = make([][]string, len(t.Indexes))
		for i, idx := range t.Indexes {
			out.Indexes[i] = append([]string(nil), idx...)
		}
	}
	return out
}

// Equal compares two tables including column order.
func (t Table) Equal(o Table) bool {
	return t.Hash() == o.Hash()
}

// Hash returns the canonical content hash of a single table.
func (t Table) Hash() string {
	return Hash([]Table{t})
}

// Snapshot is the set of tables observed in one source schema.
type Snapshot map[string]Table

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, tbl := range s {
		out[name] = tbl.Clone()
	}
	return out
}

// TableNames returns the snapshot's table names in sorted order.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash computes a canonical content hash over the given tables. Tables are
// sorted by name and columns keep declaration order, so structurally
// identical inputs hash identically regardless of construction order.
func Hash(tables []Table) string {
	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	canonical := make([]map[string]any, 0, len(sorted))
	for _, t := range sorted {
		cols := make([]map[string]any, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, map[string]any{
				"n": c.Name, "t": string(c.Type), "null": c.Nullable,
				"d": fmt.Sprint(c.Default), "len": c.MaxLength,
				"p": c.Precision, "s": c.Scale, "st": string(c.StoredAs),
			})
		}
		canonical = append(canonical, map[string]any{
			"name": t.Name, "cols": cols, "pk": t.PrimaryKeys,
		})
	}

	enc, err := canonicalMsgpack(canonical)
	if err != nil {
		// Canonical form only contains basic types; encoding cannot fail.
		panic(fmt.Sprintf("schema hash encoding: %v", err))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(enc))
}

func canonicalMsgpack(v any) ([]byte, error) {
	var buf []byte
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	w := &appendWriter{buf: &buf}
	enc.Reset(w)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

type appendWriter struct{ buf *[]byte }

func (w *appendWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
