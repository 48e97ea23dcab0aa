package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"tombstone/internal/core/apperror"
	"tombstone/internal/domain/cascade"
)

var _ cascade.RowStore = (*RowStore)(nil)

// RowStore implements cascade.RowStore over live SQLite tables.
type RowStore struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

// NewRowStore creates a new row store.
func NewRowStore(txManager *TxManager) *RowStore {
	return &RowStore{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// timeDeclTypes are the declared column types the driver parses into
// time.Time when the stored value is text.
var timeDeclTypes = map[string]bool{"DATE": true, "DATETIME": true, "TIMESTAMP": true}

type columnInfo struct {
	name     string
	declType string
}

func (s *RowStore) tableInfo(ctx context.Context, table string) ([]columnInfo, error) {
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.name, &c.declType); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// projection is the select list of table. Time-typed columns are read through
// a unary plus, which has no declared type, so their stored text comes back
// unchanged and is written back byte for byte on restore.
func (s *RowStore) projection(ctx context.Context, table string) ([]string, error) {
	info, err := s.tableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(info))
	timed := false
	for i, c := range info {
		name := quoteIdent(c.name)
		if timeDeclTypes[strings.ToUpper(c.declType)] {
			cols[i] = "+" + name + " AS " + name
			timed = true
			continue
		}
		cols[i] = name
	}
	if !timed {
		return []string{"*"}, nil
	}
	return cols, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Select returns every row of table matching where.
func (s *RowStore) Select(ctx context.Context, table string, where squirrel.Sqlizer, orderBy ...string) ([]cascade.Record, error) {
	cols, err := s.projection(ctx, table)
	if err != nil {
		return nil, err
	}
	q := s.builder.Select(cols...).From(table).Where(where)
	if len(orderBy) > 0 {
		q = q.OrderBy(orderBy...)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, bindArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return scanRecords(rows)
}

// Count returns the number of rows of table matching where.
func (s *RowStore) Count(ctx context.Context, table string, where squirrel.Sqlizer) (int64, error) {
	query, args, err := s.builder.Select("COUNT(*)").From(table).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := s.txManager.GetQuerier(ctx).QueryRowContext(ctx, query, bindArgs(args)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Get loads one row by primary key.
func (s *RowStore) Get(ctx context.Context, table, pk string, id any) (cascade.Record, error) {
	cols, err := s.projection(ctx, table)
	if err != nil {
		return nil, err
	}
	query, args, err := s.builder.Select(cols...).From(table).Where(squirrel.Eq{pk: id}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, bindArgs(args)...)
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
	query, args, err := s.builder.Delete(table).Where(squirrel.Eq{pk: id}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, bindArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertWithIdentity inserts rec as is. SQLite accepts explicit values for
// INTEGER PRIMARY KEY and AUTOINCREMENT columns without any override mode.
func (s *RowStore) InsertWithIdentity(ctx context.Context, table, pk string, rec cascade.Record) error {
	if _, ok := rec.Get(pk); !ok {
		return fmt.Errorf("insert %s: record has no primary key %q", table, pk)
	}
	query, args, err := s.builder.Insert(table).Columns(rec.Columns()...).Values(values(rec)...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	_, err = s.txManager.GetQuerier(ctx).ExecContext(ctx, query, bindArgs(args)...)
	return err
}

// Columns returns the live column names of table, or none if it does not exist.
func (s *RowStore) Columns(ctx context.Context, table string) ([]string, error) {
	info, err := s.tableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(info))
	for i, c := range info {
		cols[i] = c.name
	}
	return cols, nil
}

func values(rec cascade.Record) []any {
	vals := make([]any, len(rec))
	for i, f := range rec {
		vals[i] = f.Value
	}
	return vals
}

// bindArgs converts record values into types the driver stores natively.
func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case json.RawMessage:
			out[i] = string(v)
		case uuid.UUID:
			out[i] = v.String()
		default:
			out[i] = a
		}
	}
	return out
}

func scanRecords(rows *sql.Rows) ([]cascade.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var recs []cascade.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec, err := cascade.NewRecord(cols, vals)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
