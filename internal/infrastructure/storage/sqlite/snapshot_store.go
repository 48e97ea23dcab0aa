package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
	"tombstone/internal/infrastructure/storage"
)

const snapshotTable = "sys_cascade_snapshots"

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type snapshotRow struct {
	SnapshotKey string `db:"snapshot_key"`
	DeletionKey string `db:"deletion_key"`
	Seq         int    `db:"seq"`
	EntityType  string `db:"entity_type"`
	TableName   string `db:"table_name"`
	PrimaryKey  string `db:"primary_key"`
	Encoding    string `db:"encoding"`
	Payload     []byte `db:"payload"`
	CapturedAt  string `db:"captured_at"`
}

var _ cascade.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore persists snapshots in sys_cascade_snapshots.
type SnapshotStore struct {
	txManager *TxManager
	codec     *codec.Codec
	builder   squirrel.StatementBuilderType
}

// NewSnapshotStore creates a snapshot store encoding payloads with c.
func NewSnapshotStore(txManager *TxManager, c *codec.Codec) *SnapshotStore {
	return &SnapshotStore{
		txManager: txManager,
		codec:     c,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// snapshotBatchSize keeps each multi-row insert well below SQLite's
// 32766 bound-variable limit.
const snapshotBatchSize = 500

// SaveSnapshots inserts all snapshots, keeping their order in seq. Large
// deletions are written in several statements of the same transaction.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snaps []cascade.Snapshot) error {
	for start := 0; start < len(snaps); start += snapshotBatchSize {
		end := min(start+snapshotBatchSize, len(snaps))
		if err := s.insertBatch(ctx, snaps[start:end], start); err != nil {
			return err
		}
	}
	return nil
}

func (s *SnapshotStore) insertBatch(ctx context.Context, snaps []cascade.Snapshot, seq int) error {
	q := s.builder.Insert(snapshotTable).Columns(storage.Columns[snapshotRow]()...)
	for i, snap := range snaps {
		payload, encoding, err := s.codec.Encode(snap.Values)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
		}
		_, vals := storage.ColumnValues(snapshotRow{
			SnapshotKey: snap.Key,
			DeletionKey: snap.DeletionKey,
			Seq:         seq + i,
			EntityType:  snap.EntityType,
			TableName:   snap.Table,
			PrimaryKey:  snap.PrimaryKey,
			Encoding:    encoding,
			Payload:     payload,
			CapturedAt:  formatTime(snap.CapturedAt),
		})
		q = q.Values(vals...)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

// LoadSnapshots returns snapshots in the order of keys.
func (s *SnapshotStore) LoadSnapshots(ctx context.Context, keys []string) ([]cascade.Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	byKey := make(map[string]cascade.Snapshot, len(keys))
	for start := 0; start < len(keys); start += snapshotBatchSize {
		end := min(start+snapshotBatchSize, len(keys))
		if err := s.loadBatch(ctx, keys[start:end], byKey); err != nil {
			return nil, err
		}
	}

	out := make([]cascade.Snapshot, len(keys))
	for i, k := range keys {
		snap, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("snapshot %s not found", k)
		}
		out[i] = snap
	}
	return out, nil
}

func (s *SnapshotStore) loadBatch(ctx context.Context, keys []string, byKey map[string]cascade.Snapshot) error {
	query, args, err := s.builder.Select(storage.Columns[snapshotRow]()...).
		From(snapshotTable).
		Where(squirrel.Eq{"snapshot_key": keys}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("select snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.SnapshotKey, &r.DeletionKey, &r.Seq, &r.EntityType, &r.TableName,
			&r.PrimaryKey, &r.Encoding, &r.Payload, &r.CapturedAt); err != nil {
			return fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := s.toSnapshot(r)
		if err != nil {
			return err
		}
		byKey[snap.Key] = snap
	}
	return rows.Err()
}

// DeleteSnapshots removes all snapshots of a deletion.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, deletionKey string) (int64, error) {
	query, args, err := s.builder.Delete(snapshotTable).Where(squirrel.Eq{"deletion_key": deletionKey}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored snapshots of a deletion.
func (s *SnapshotStore) Count(ctx context.Context, deletionKey string) (int64, error) {
	var n int64
	err := s.txManager.GetQuerier(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+snapshotTable+" WHERE deletion_key = ?", deletionKey).Scan(&n)
	return n, err
}

func (s *SnapshotStore) toSnapshot(r snapshotRow) (cascade.Snapshot, error) {
	values, err := s.codec.Decode(r.Payload, r.Encoding)
	if err != nil {
		return cascade.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", r.SnapshotKey, err)
	}
	captured, err := parseTime(r.CapturedAt)
	if err != nil {
		return cascade.Snapshot{}, fmt.Errorf("snapshot %s captured_at: %w", r.SnapshotKey, err)
	}
	return cascade.Snapshot{
		Key:         r.SnapshotKey,
		DeletionKey: r.DeletionKey,
		EntityType:  r.EntityType,
		Table:       r.TableName,
		PrimaryKey:  r.PrimaryKey,
		Values:      values,
		CapturedAt:  captured,
	}, nil
}
