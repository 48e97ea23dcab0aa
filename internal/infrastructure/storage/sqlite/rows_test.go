package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tombstone/internal/core/id"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, MigrateUp(db))
	return db
}

func rawText(t *testing.T, db *DB, query string) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), query)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestRowStore_TimeColumnsKeepStoredText(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE shifts (id INTEGER PRIMARY KEY, day DATE, starts_at DATETIME, ends_at TIMESTAMP, note TEXT);
		INSERT INTO shifts VALUES (1, '2024-01-05', '2024-01-05 08:30:00', '2024-01-05T17:00:00Z', 'early');
		INSERT INTO shifts VALUES (2, NULL, 1704441600, 'not a time', NULL);`)
	require.NoError(t, err)

	const raw = `SELECT typeof(day) || ':' || COALESCE(CAST(day AS TEXT), '') || '|' ||
		typeof(starts_at) || ':' || CAST(starts_at AS TEXT) || '|' ||
		typeof(ends_at) || ':' || CAST(ends_at AS TEXT) FROM shifts ORDER BY id`
	before := rawText(t, db, raw)

	txm := NewTxManager(db)
	rows := NewRowStore(txm)

	rec, err := rows.Get(ctx, "shifts", "id", 1)
	require.NoError(t, err)
	day, _ := rec.Get("day")
	assert.Equal(t, "2024-01-05", day)
	assert.Equal(t, []string{"id", "day", "starts_at", "ends_at", "note"}, rec.Columns())

	all, err := rows.Select(ctx, "shifts", squirrel.Expr("1 = 1"), "id")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, txm.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, r := range all {
			pk, _ := r.Get("id")
			if _, err := rows.Delete(ctx, "shifts", "id", pk); err != nil {
				return err
			}
		}
		for _, r := range all {
			if err := rows.InsertWithIdentity(ctx, "shifts", "id", r); err != nil {
				return err
			}
		}
		return nil
	}))

	assert.Equal(t, before, rawText(t, db, raw))
	n, err := rows.Count(ctx, "shifts", squirrel.Eq{"day": "2024-01-05"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRowStore_SelectWithoutTimeColumns(t *testing.T) {
	db := openMemory(t)
	rows := NewRowStore(NewTxManager(db))

	cols, err := rows.projection(context.Background(), "sys_cascade_manifests")
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cols)

	cols, err = rows.projection(context.Background(), "missing_table")
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cols)
}

func TestSnapshotStore_LargeDeletion(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	txm := NewTxManager(db)
	store := NewSnapshotStore(txm, codec.MustNew(codec.Config{}))

	deletionKey := id.NewKey()
	snaps := make([]cascade.Snapshot, 4200)
	keys := make([]string, len(snaps))
	for i := range snaps {
		snaps[i] = cascade.Snapshot{
			Key:         id.NewKey(),
			DeletionKey: deletionKey,
			EntityType:  "leave_request",
			Table:       "leave_requests",
			PrimaryKey:  "id",
			Values:      cascade.Record{{Column: "id", Value: int64(i)}, {Column: "days", Value: int64(1)}},
			CapturedAt:  time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		}
		keys[i] = snaps[i].Key
	}

	require.NoError(t, txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return store.SaveSnapshots(ctx, snaps)
	}))

	n, err := store.Count(ctx, deletionKey)
	require.NoError(t, err)
	assert.Equal(t, int64(len(snaps)), n)

	seqs := rawText(t, db, "SELECT CAST(MAX(seq) AS TEXT) FROM sys_cascade_snapshots")
	assert.Equal(t, []string{"4199"}, seqs)

	loaded, err := store.LoadSnapshots(ctx, keys)
	require.NoError(t, err)
	require.Len(t, loaded, len(snaps))
	assert.Equal(t, keys[4100], loaded[4100].Key)
	assert.Equal(t, int64(4100), loaded[4100].ID())
}

func TestTxManager_ConcurrentWritersOnFile(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DefaultConfig(filepath.Join(t.TempDir(), "tombstone.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.ExecContext(ctx, `CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)

	txm := NewTxManager(db)
	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			return txm.RunInTransaction(ctx, func(ctx context.Context) error {
				q := txm.GetQuerier(ctx)
				var n int
				// Read first, then write: the pattern every cascade delete follows.
				if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM counters").Scan(&n); err != nil {
					return err
				}
				_, err := q.ExecContext(ctx, "INSERT INTO counters (id, n) VALUES (?, ?)", i, n)
				if err != nil {
					return fmt.Errorf("writer %d: %w", i, err)
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, []string{"16"}, rawText(t, db, "SELECT CAST(COUNT(*) AS TEXT) FROM counters"))
	// Serialised writers each saw the rows committed before them.
	assert.Equal(t, []string{"120"}, rawText(t, db, "SELECT CAST(SUM(n) AS TEXT) FROM counters"))
	assert.NoError(t, txm.ReadOnly(ctx, func(ctx context.Context) error {
		var n int
		return txm.GetQuerier(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM counters").Scan(&n)
	}))
}
