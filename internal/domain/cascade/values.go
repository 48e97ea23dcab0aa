package cascade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Field is one captured column.
type Field struct {
	Column string
	Value  any
}

// Record is an ordered mapping from column name to scalar value, in the order
// the store returned the columns.
//
// Values are normalized to: nil, bool, int64, float64, string, []byte,
// time.Time, decimal.Decimal, uuid.UUID or json.RawMessage.
type Record []Field

// Get returns the value of a column.
func (r Record) Get(column string) (any, bool) {
	for _, f := range r {
		if f.Column == column {
			return f.Value, true
		}
	}
	return nil, false
}

// Columns returns column names in order.
func (r Record) Columns() []string {
	cols := make([]string, len(r))
	for i, f := range r {
		cols[i] = f.Column
	}
	return cols
}

// Map returns an unordered copy keyed by column.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r))
	for _, f := range r {
		m[f.Column] = f.Value
	}
	return m
}

// Filter keeps only columns present in known, preserving order.
// Dropped column names are returned separately.
func (r Record) Filter(known []string) (Record, []string) {
	set := make(map[string]struct{}, len(known))
	for _, c := range known {
		set[c] = struct{}{}
	}
	kept := make(Record, 0, len(r))
	var dropped []string
	for _, f := range r {
		if _, ok := set[f.Column]; ok {
			kept = append(kept, f)
			continue
		}
		dropped = append(dropped, f.Column)
	}
	return kept, dropped
}

// MarshalJSON renders the record as a JSON object keeping column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Column)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Column, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewRecord builds a Record from parallel column/value slices, normalizing each value.
func NewRecord(columns []string, values []any) (Record, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("record: %d columns but %d values", len(columns), len(values))
	}
	rec := make(Record, len(columns))
	for i, col := range columns {
		v, err := Normalize(values[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		rec[i] = Field{Column: col, Value: v}
	}
	return rec, nil
}

// Normalize converts a driver value into one of the scalar types a Record may hold.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string, time.Time, decimal.Decimal, uuid.UUID, json.RawMessage:
		return x, nil
	case []byte:
		cp := make([]byte, len(x))
		copy(cp, x)
		return cp, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint64:
		return normalizeUint(x), nil
	case float32:
		return float64(x), nil
	case [16]byte:
		return uuid.UUID(x), nil
	case *string:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *int64:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case decimal.NullDecimal:
		if !x.Valid {
			return nil, nil
		}
		return x.Decimal, nil
	case uuid.NullUUID:
		if !x.Valid {
			return nil, nil
		}
		return x.UUID, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return decimal.RequireFromString(strconv.FormatUint(u, 10))
	}
	return int64(u)
}

// FormatID renders a primary key value in its canonical text form.
// Manifests store root ids this way so any key type can be compared.
func FormatID(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	case uuid.UUID:
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	case decimal.Decimal:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
