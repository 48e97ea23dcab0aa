package cascade

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	u := uuid.MustParse("0190f3a1-7c2e-7b3d-9a51-2f4c1e8d6a70")
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := "text"

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 7, int64(7)},
		{"int32", int32(-3), int64(-3)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"string pointer", &s, "text"},
		{"nil pointer", (*string)(nil), nil},
		{"uuid array", [16]byte(u), u},
		{"null decimal", decimal.NullDecimal{}, nil},
		{"valid null uuid", uuid.NullUUID{UUID: u, Valid: true}, u},
		{"time pointer", &ts, ts},
		{"raw json", json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_LargeUintBecomesDecimal(t *testing.T) {
	got, err := Normalize(uint64(math.MaxUint64))
	require.NoError(t, err)
	d, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "18446744073709551615", d.String())
}

func TestNormalize_CopiesBytes(t *testing.T) {
	src := []byte("abc")
	got, err := Normalize(src)
	require.NoError(t, err)
	src[0] = 'x'
	assert.Equal(t, []byte("abc"), got)
}

func TestNormalize_Unsupported(t *testing.T) {
	_, err := Normalize(struct{}{})
	assert.Error(t, err)

	_, err = NewRecord([]string{"a"}, []any{make(chan int)})
	assert.ErrorContains(t, err, "column a")

	_, err = NewRecord([]string{"a", "b"}, []any{1})
	assert.Error(t, err)
}

func TestRecord_Filter(t *testing.T) {
	rec := Record{
		{Column: "id", Value: int64(1)},
		{Column: "legacy", Value: "x"},
		{Column: "name", Value: "Ada"},
	}

	kept, dropped := rec.Filter([]string{"name", "id", "created_at"})
	assert.Equal(t, []string{"id", "name"}, kept.Columns())
	assert.Equal(t, []string{"legacy"}, dropped)

	kept, dropped = rec.Filter(rec.Columns())
	assert.Equal(t, rec, kept)
	assert.Empty(t, dropped)
}

func TestRecord_MarshalJSONKeepsOrder(t *testing.T) {
	rec := Record{
		{Column: "z", Value: int64(1)},
		{Column: "a", Value: nil},
		{Column: "m", Value: "x"},
	}
	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":null,"m":"x"}`, string(out))

	assert.Equal(t, map[string]any{"z": int64(1), "a": nil, "m": "x"}, rec.Map())
}

func TestFormatID(t *testing.T) {
	u := uuid.MustParse("0190f3a1-7c2e-7b3d-9a51-2f4c1e8d6a70")

	assert.Equal(t, "7", FormatID(int64(7)))
	assert.Equal(t, "7", FormatID(7))
	assert.Equal(t, "doc-1", FormatID("doc-1"))
	assert.Equal(t, "doc-1", FormatID([]byte("doc-1")))
	assert.Equal(t, "2.5", FormatID(2.5))
	assert.Equal(t, u.String(), FormatID(u))
	assert.Equal(t, u.String(), FormatID([16]byte(u)))
	assert.Equal(t, "12.5", FormatID(decimal.RequireFromString("12.5")))
	assert.Equal(t, "", FormatID(nil))
}
