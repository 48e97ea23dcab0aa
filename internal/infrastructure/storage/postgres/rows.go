package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"tombstone/internal/core/apperror"
	"tombstone/internal/domain/cascade"
)

var _ cascade.RowStore = (*RowStore)(nil)

// RowStore implements cascade.RowStore over live PostgreSQL tables.
type RowStore struct {
	txManager *TxManager
}

// NewRowStore creates a new row store.
func NewRowStore(txManager *TxManager) *RowStore {
	return &RowStore{txManager: txManager}
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Select returns every row of table matching where.
func (s *RowStore) Select(ctx context.Context, table string, where squirrel.Sqlizer, orderBy ...string) ([]cascade.Record, error) {
	q := Builder().Select("*").From(table).Where(where)
	if len(orderBy) > 0 {
		q = q.OrderBy(orderBy...)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return scanRecords(rows)
}

// Count returns the number of rows of table matching where.
func (s *RowStore) Count(ctx context.Context, table string, where squirrel.Sqlizer) (int64, error) {
	query, args, err := Builder().Select("COUNT(*)").From(table).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := s.txManager.GetQuerier(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Get loads one row by primary key. The row is locked FOR UPDATE inside a
// read-write transaction, so blockers and capture see it unchanged.
func (s *RowStore) Get(ctx context.Context, table, pk string, id any) (cascade.Record, error) {
	q := Builder().Select("*").From(table).Where(squirrel.Eq{pk: id}).Limit(1)
	if t := s.txManager.GetTx(ctx); t != nil && !t.ReadOnly() {
		q = q.Suffix("FOR UPDATE")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperror.NewNotFound(table, cascade.FormatID(id))
	}
	return recs[0], nil
}

// Delete removes one row by primary key.
func (s *RowStore) Delete(ctx context.Context, table, pk string, id any) (int64, error) {
	query, args, err := Builder().Delete(table).Where(squirrel.Eq{pk: id}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertWithIdentity inserts rec with its original primary key. The
// OVERRIDING SYSTEM VALUE clause applies to this statement only, so
// GENERATED ALWAYS identity columns accept the stored value.
func (s *RowStore) InsertWithIdentity(ctx context.Context, table, pk string, rec cascade.Record) error {
	if _, ok := rec.Get(pk); !ok {
		return fmt.Errorf("insert %s: record has no primary key %q", table, pk)
	}
	query, args, err := identityInsert(table, rec)
	if err != nil {
		return err
	}
	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, query, args...)
	return err
}

func identityInsert(table string, rec cascade.Record) (string, []any, error) {
	vals := make([]any, len(rec))
	for i, f := range rec {
		vals[i] = f.Value
	}
	query, args, err := Builder().Insert(table).Columns(rec.Columns()...).Values(vals...).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build insert: %w", err)
	}
	return strings.Replace(query, " VALUES ", " OVERRIDING SYSTEM VALUE VALUES ", 1), args, nil
}

// Columns returns the live column names of table in ordinal order.
// A table name without a schema is resolved against current_schema().
func (s *RowStore) Columns(ctx context.Context, table string) ([]string, error) {
	query, args, err := columnsQuery(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return cols, nil
}

func columnsQuery(table string) (string, []any, error) {
	q := Builder().Select("column_name").From("information_schema.columns")
	if schema, name, ok := strings.Cut(table, "."); ok {
		q = q.Where(squirrel.Eq{"table_schema": schema, "table_name": name})
	} else {
		q = q.Where(squirrel.Expr("table_schema = current_schema()")).Where(squirrel.Eq{"table_name": table})
	}
	return q.OrderBy("ordinal_position").ToSql()
}

func scanRecords(rows pgx.Rows) ([]cascade.Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var recs []cascade.Record
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		vals := make([]any, len(raw))
		for i, v := range raw {
			if vals[i], err = normalize(v, fields[i].DataTypeOID); err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[i], err)
			}
		}
		rec, err := cascade.NewRecord(cols, vals)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// normalize maps pgx decoded values onto the Record value set.
func normalize(v any, oid uint32) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch oid {
	case pgtype.JSONOID, pgtype.JSONBOID:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil, nil
		}
		if x.NaN || x.InfinityModifier != pgtype.Finite {
			return nil, fmt.Errorf("non-finite numeric")
		}
		return decimal.NewFromBigInt(x.Int, x.Exp), nil
	case pgtype.Time:
		if !x.Valid {
			return nil, nil
		}
		us := x.Microseconds
		return fmt.Sprintf("%02d:%02d:%02d.%06d", us/3_600_000_000, us/60_000_000%60, us/1_000_000%60, us%1_000_000), nil
	}
	return v, nil
}
