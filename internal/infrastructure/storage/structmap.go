// Package storage holds helpers shared by the SQL backends.
package storage

import (
	"reflect"
	"sync"

	"tombstone/internal/domain/cascade"
)

// Columns extracts column names from the "db" tags of T, in field order.
// Embedded structs are flattened in place.
//
// Usage:
//
//	cols := storage.Columns[manifestRow]()
//	// ["deletion_key", "root_entity_type", ...]
func Columns[T any]() []string {
	var zero T
	meta := metadataFor(reflect.TypeOf(zero))
	cols := make([]string, len(meta.fields))
	for i, fi := range meta.fields {
		cols[i] = fi.column
	}
	return cols
}

// fieldInfo is a pre-computed path to one tagged struct field.
type fieldInfo struct {
	index  []int
	column string
}

type typeMetadata struct {
	fields []fieldInfo
}

var typeCache sync.Map // map[reflect.Type]*typeMetadata

func metadataFor(t reflect.Type) *typeMetadata {
	if t == nil {
		return &typeMetadata{}
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeMetadata)
	}

	meta := &typeMetadata{}
	if t.Kind() == reflect.Struct {
		collectFields(t, nil, meta)
	}
	typeCache.Store(t, meta)
	return meta
}

func collectFields(t reflect.Type, prefix []int, meta *typeMetadata) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		index := append(append([]int(nil), prefix...), i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collectFields(field.Type, index, meta)
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		meta.fields = append(meta.fields, fieldInfo{index: index, column: tag})
	}
}

// ColumnValues returns the tagged columns of a struct and their values, in field order.
func ColumnValues(v any) ([]string, []any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, nil
	}

	meta := metadataFor(rv.Type())
	cols := make([]string, len(meta.fields))
	vals := make([]any, len(meta.fields))
	for i, fi := range meta.fields {
		cols[i] = fi.column
		vals[i] = rv.FieldByIndex(fi.index).Interface()
	}
	return cols, vals
}

// StructToMap converts a struct to a map using "db" tags.
func StructToMap(v any) map[string]any {
	cols, vals := ColumnValues(v)
	res := make(map[string]any, len(cols))
	for i, c := range cols {
		res[c] = vals[i]
	}
	return res
}

// ToRecord converts a db-tagged struct into a normalized Record.
func ToRecord(v any) (cascade.Record, error) {
	cols, vals := ColumnValues(v)
	return cascade.NewRecord(cols, vals)
}
