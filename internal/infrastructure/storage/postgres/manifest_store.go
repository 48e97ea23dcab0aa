package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"tombstone/internal/core/apperror"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/storage"
)

const manifestTable = "sys_cascade_manifests"

type manifestRow struct {
	DeletionKey     string    `db:"deletion_key"`
	RootEntityType  string    `db:"root_entity_type"`
	RootID          string    `db:"root_id"`
	RootDisplayName string    `db:"root_display_name"`
	SnapshotKeys    []string  `db:"snapshot_keys"`
	TableOrder      []string  `db:"table_order"`
	DeletedBy       string    `db:"deleted_by"`
	Reason          string    `db:"reason"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r manifestRow) toManifest() cascade.Manifest {
	return cascade.Manifest{
		DeletionKey:     r.DeletionKey,
		RootEntityType:  r.RootEntityType,
		RootID:          r.RootID,
		RootDisplayName: r.RootDisplayName,
		SnapshotKeys:    r.SnapshotKeys,
		TableOrder:      r.TableOrder,
		DeletedBy:       r.DeletedBy,
		Reason:          r.Reason,
		CreatedAt:       r.CreatedAt,
	}
}

var _ cascade.ManifestStore = (*ManifestStore)(nil)

// ManifestStore persists manifests in sys_cascade_manifests.
// Ordered lists are stored as text[].
type ManifestStore struct {
	txManager *TxManager
}

// NewManifestStore creates a new manifest store.
func NewManifestStore(txManager *TxManager) *ManifestStore {
	return &ManifestStore{txManager: txManager}
}

func (s *ManifestStore) CreateManifest(ctx context.Context, m cascade.Manifest) error {
	cols, vals := storage.ColumnValues(manifestRow{
		DeletionKey:     m.DeletionKey,
		RootEntityType:  m.RootEntityType,
		RootID:          m.RootID,
		RootDisplayName: m.RootDisplayName,
		SnapshotKeys:    m.SnapshotKeys,
		TableOrder:      m.TableOrder,
		DeletedBy:       m.DeletedBy,
		Reason:          m.Reason,
		CreatedAt:       m.CreatedAt,
	})
	query, args, err := Builder().Insert(manifestTable).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txManager.GetQuerier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (s *ManifestStore) GetManifest(ctx context.Context, deletionKey string) (cascade.Manifest, error) {
	query, args, err := Builder().Select(storage.Columns[manifestRow]()...).
		From(manifestTable).
		Where(squirrel.Eq{"deletion_key": deletionKey}).
		ToSql()
	if err != nil {
		return cascade.Manifest{}, fmt.Errorf("build select: %w", err)
	}
	var r manifestRow
	if err := pgxscan.Get(ctx, s.txManager.GetQuerier(ctx), &r, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return cascade.Manifest{}, apperror.NewManifestNotFound(deletionKey)
		}
		return cascade.Manifest{}, fmt.Errorf("get manifest: %w", err)
	}
	return r.toManifest(), nil
}

func (s *ManifestStore) ListManifests(ctx context.Context, f cascade.ManifestFilter) ([]cascade.Manifest, error) {
	query, args, err := listManifestsQuery(f)
	if err != nil {
		return nil, err
	}
	var rows []manifestRow
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	list := make([]cascade.Manifest, len(rows))
	for i, r := range rows {
		list[i] = r.toManifest()
	}
	return list, nil
}

func listManifestsQuery(f cascade.ManifestFilter) (string, []any, error) {
	q := Builder().Select(storage.Columns[manifestRow]()...).From(manifestTable)
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
		q = q.Where(squirrel.Lt{"created_at": f.Before})
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
		return "", nil, fmt.Errorf("build list: %w", err)
	}
	return query, args, nil
}

func (s *ManifestStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	query, args, err := Builder().Select("deletion_key").
		From(manifestTable).
		Where(squirrel.Lt{"created_at": before}).
		OrderBy("created_at", "deletion_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var keys []string
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &keys, query, args...); err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return keys, nil
}

func (s *ManifestStore) DeleteManifest(ctx context.Context, deletionKey string) (bool, error) {
	query, args, err := Builder().Delete(manifestTable).Where(squirrel.Eq{"deletion_key": deletionKey}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete manifest: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
