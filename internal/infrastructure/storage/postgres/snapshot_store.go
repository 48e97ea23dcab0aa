package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
	"tombstone/internal/infrastructure/storage"
)

const snapshotTable = "sys_cascade_snapshots"

type snapshotRow struct {
	SnapshotKey string    `db:"snapshot_key"`
	DeletionKey string    `db:"deletion_key"`
	Seq         int       `db:"seq"`
	EntityType  string    `db:"entity_type"`
	TableName   string    `db:"table_name"`
	PrimaryKey  string    `db:"primary_key"`
	Encoding    string    `db:"encoding"`
	Payload     []byte    `db:"payload"`
	CapturedAt  time.Time `db:"captured_at"`
}

var _ cascade.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore persists snapshots in sys_cascade_snapshots.
type SnapshotStore struct {
	txManager *TxManager
	codec     *codec.Codec
}

// NewSnapshotStore creates a snapshot store encoding payloads with c.
func NewSnapshotStore(txManager *TxManager, c *codec.Codec) *SnapshotStore {
	return &SnapshotStore{txManager: txManager, codec: c}
}

// SaveSnapshots copies all snapshots in, keeping their order in seq.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snaps []cascade.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows, err := s.encodeRows(snaps)
	if err != nil {
		return err
	}
	n, err := s.txManager.copyFrom(ctx, snapshotTable, storage.Columns[snapshotRow](), rows)
	if err != nil {
		return fmt.Errorf("copy snapshots: %w", err)
	}
	if n != int64(len(snaps)) {
		return fmt.Errorf("copy snapshots: wrote %d of %d rows", n, len(snaps))
	}
	return nil
}

func (s *SnapshotStore) encodeRows(snaps []cascade.Snapshot) ([][]any, error) {
	rows := make([][]any, len(snaps))
	for i, snap := range snaps {
		payload, encoding, err := s.codec.Encode(snap.Values)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
		}
		_, rows[i] = storage.ColumnValues(snapshotRow{
			SnapshotKey: snap.Key,
			DeletionKey: snap.DeletionKey,
			Seq:         i,
			EntityType:  snap.EntityType,
			TableName:   snap.Table,
			PrimaryKey:  snap.PrimaryKey,
			Encoding:    encoding,
			Payload:     payload,
			CapturedAt:  snap.CapturedAt,
		})
	}
	return rows, nil
}

// LoadSnapshots returns snapshots in the order of keys.
func (s *SnapshotStore) LoadSnapshots(ctx context.Context, keys []string) ([]cascade.Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := loadSnapshotsQuery(keys)
	if err != nil {
		return nil, err
	}
	var rows []snapshotRow
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}

	byKey := make(map[string]snapshotRow, len(rows))
	for _, r := range rows {
		byKey[r.SnapshotKey] = r
	}
	out := make([]cascade.Snapshot, len(keys))
	for i, k := range keys {
		r, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("snapshot %s not found", k)
		}
		values, err := s.codec.Decode(r.Payload, r.Encoding)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", k, err)
		}
		out[i] = cascade.Snapshot{
			Key:         r.SnapshotKey,
			DeletionKey: r.DeletionKey,
			EntityType:  r.EntityType,
			Table:       r.TableName,
			PrimaryKey:  r.PrimaryKey,
			Values:      values,
			CapturedAt:  r.CapturedAt,
		}
	}
	return out, nil
}

func loadSnapshotsQuery(keys []string) (string, []any, error) {
	query, args, err := Builder().Select(storage.Columns[snapshotRow]()...).
		From(snapshotTable).
		Where("snapshot_key = ANY(?)", keys).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build select: %w", err)
	}
	return query, args, nil
}

// DeleteSnapshots removes all snapshots of a deletion.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, deletionKey string) (int64, error) {
	query, args, err := Builder().Delete(snapshotTable).Where(squirrel.Eq{"deletion_key": deletionKey}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
