package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"tombstone/internal/core/apperror"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/storage"
)

const manifestTable = "sys_cascade_manifests"

type manifestRow struct {
	DeletionKey     string `db:"deletion_key"`
	RootEntityType  string `db:"root_entity_type"`
	RootID          string `db:"root_id"`
	RootDisplayName string `db:"root_display_name"`
	SnapshotKeys    string `db:"snapshot_keys"`
	TableOrder      string `db:"table_order"`
	DeletedBy       string `db:"deleted_by"`
	Reason          string `db:"reason"`
	CreatedAt       string `db:"created_at"`
}

func (r *manifestRow) scanTargets() []any {
	return []any{&r.DeletionKey, &r.RootEntityType, &r.RootID, &r.RootDisplayName,
		&r.SnapshotKeys, &r.TableOrder, &r.DeletedBy, &r.Reason, &r.CreatedAt}
}

func (r manifestRow) toManifest() (cascade.Manifest, error) {
	m := cascade.Manifest{
		DeletionKey:     r.DeletionKey,
		RootEntityType:  r.RootEntityType,
		RootID:          r.RootID,
		RootDisplayName: r.RootDisplayName,
		DeletedBy:       r.DeletedBy,
		Reason:          r.Reason,
	}
	if err := json.Unmarshal([]byte(r.SnapshotKeys), &m.SnapshotKeys); err != nil {
		return m, fmt.Errorf("manifest %s snapshot_keys: %w", r.DeletionKey, err)
	}
	if err := json.Unmarshal([]byte(r.TableOrder), &m.TableOrder); err != nil {
		return m, fmt.Errorf("manifest %s table_order: %w", r.DeletionKey, err)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("manifest %s created_at: %w", r.DeletionKey, err)
	}
	m.CreatedAt = created
	return m, nil
}

var _ cascade.ManifestStore = (*ManifestStore)(nil)

// ManifestStore persists manifests in sys_cascade_manifests.
// Ordered lists are stored as JSON arrays.
type ManifestStore struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

// NewManifestStore creates a new manifest store.
func NewManifestStore(txManager *TxManager) *ManifestStore {
	return &ManifestStore{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

func (s *ManifestStore) CreateManifest(ctx context.Context, m cascade.Manifest) error {
	keys, err := json.Marshal(m.SnapshotKeys)
	if err != nil {
		return err
	}
	tables, err := json.Marshal(m.TableOrder)
	if err != nil {
		return err
	}
	cols, vals := storage.ColumnValues(manifestRow{
		DeletionKey:     m.DeletionKey,
		RootEntityType:  m.RootEntityType,
		RootID:          m.RootID,
		RootDisplayName: m.RootDisplayName,
		SnapshotKeys:    string(keys),
		TableOrder:      string(tables),
		DeletedBy:       m.DeletedBy,
		Reason:          m.Reason,
		CreatedAt:       formatTime(m.CreatedAt),
	})
	query, args, err := s.builder.Insert(manifestTable).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (s *ManifestStore) GetManifest(ctx context.Context, deletionKey string) (cascade.Manifest, error) {
	query, args, err := s.builder.Select(storage.Columns[manifestRow]()...).
		From(manifestTable).
		Where(squirrel.Eq{"deletion_key": deletionKey}).
		ToSql()
	if err != nil {
		return cascade.Manifest{}, fmt.Errorf("build select: %w", err)
	}
	var r manifestRow
	err = s.txManager.GetQuerier(ctx).QueryRowContext(ctx, query, args...).Scan(r.scanTargets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return cascade.Manifest{}, apperror.NewManifestNotFound(deletionKey)
	}
	if err != nil {
		return cascade.Manifest{}, fmt.Errorf("get manifest: %w", err)
	}
	return r.toManifest()
}

func (s *ManifestStore) ListManifests(ctx context.Context, f cascade.ManifestFilter) ([]cascade.Manifest, error) {
	q := s.builder.Select(storage.Columns[manifestRow]()...).From(manifestTable)
	if f.EntityType != "" {
		q = q.Where(squirrel.Eq{"root_entity_type": f.EntityType})
	}
	if f.RootID != "" {
		q = q.Where(squirrel.Eq{"root_id": f.RootID})
	}
	if f.DeletedBy != "" {
		q = q.Where(squirrel.Eq{"deleted_by": f.DeletedBy})
	}
	if !f.Before.IsZero() {
		q = q.Where(squirrel.Lt{"created_at": formatTime(f.Before)})
	}
	q = q.OrderBy("created_at DESC", "deletion_key")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	list := []cascade.Manifest{}
	for rows.Next() {
		var r manifestRow
		if err := rows.Scan(r.scanTargets()...); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		m, err := r.toManifest()
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (s *ManifestStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	query, args, err := s.builder.Select("deletion_key").
		From(manifestTable).
		Where(squirrel.Lt{"created_at": formatTime(before)}).
		OrderBy("created_at", "deletion_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *ManifestStore) DeleteManifest(ctx context.Context, deletionKey string) (bool, error) {
	query, args, err := s.builder.Delete(manifestTable).Where(squirrel.Eq{"deletion_key": deletionKey}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	res, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete manifest: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
