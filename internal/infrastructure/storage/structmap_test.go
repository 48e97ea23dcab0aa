package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditFields struct {
	CreatedAt time.Time `db:"created_at"`
	CreatedBy string    `db:"created_by"`
}

type mockRow struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Notes string `db:"-"`
	auditFields
	hidden string `db:"hidden"`
}

func TestColumns_FlattensEmbeddedInOrder(t *testing.T) {
	cols := Columns[mockRow]()

	assert.Equal(t, []string{"id", "name", "created_at", "created_by"}, cols)
}

func TestColumnValues(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	row := mockRow{ID: 7, Name: "Ada", Notes: "ignored", auditFields: auditFields{CreatedAt: now, CreatedBy: "hr"}, hidden: "x"}

	cols, vals := ColumnValues(&row)

	assert.Equal(t, []string{"id", "name", "created_at", "created_by"}, cols)
	assert.Equal(t, []any{int64(7), "Ada", now, "hr"}, vals)
}

func TestStructToMap(t *testing.T) {
	m := StructToMap(mockRow{ID: 1, Name: "x"})

	assert.Equal(t, int64(1), m["id"])
	assert.Equal(t, "x", m["name"])
	assert.NotContains(t, m, "notes")
	assert.NotContains(t, m, "hidden")
}

func TestStructToMap_NonStruct(t *testing.T) {
	assert.Empty(t, StructToMap(42))
}

func TestToRecord(t *testing.T) {
	rec, err := ToRecord(mockRow{ID: 3, Name: "Grace"})
	require.NoError(t, err)

	v, ok := rec.Get("id")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, []string{"id", "name", "created_at", "created_by"}, rec.Columns())
}
