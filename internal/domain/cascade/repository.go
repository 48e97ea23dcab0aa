package cascade

import (
	"context"
	"time"
)

// --- Repository Interfaces ---
//
// Implementations take the active transaction from ctx (see core/tx) so that
// every call made inside RunInTransaction joins the same atomic unit.

// RowStore is the live relational store being protected.
type RowStore interface {
	Reader

	// Get loads one row by primary key. It returns apperror NOT_FOUND when absent.
	Get(ctx context.Context, table, pk string, id any) (Record, error)

	// Delete hard-deletes one row by primary key and reports rows affected.
	Delete(ctx context.Context, table, pk string, id any) (int64, error)

	// InsertWithIdentity writes rec including its original primary key value.
	// Any identity-override mode must be scoped to this single statement.
	InsertWithIdentity(ctx context.Context, table, pk string, rec Record) error

	// Columns returns the live column names of table.
	Columns(ctx context.Context, table string) ([]string, error)
}

// SnapshotStore persists captured rows under opaque keys.
type SnapshotStore interface {
	// SaveSnapshots persists all snapshots of one deletion.
	SaveSnapshots(ctx context.Context, snaps []Snapshot) error

	// LoadSnapshots returns snapshots in the order of keys.
	// A missing key is an error: the manifest would otherwise restore partially.
	LoadSnapshots(ctx context.Context, keys []string) ([]Snapshot, error)

	// DeleteSnapshots removes every snapshot owned by a deletion.
	DeleteSnapshots(ctx context.Context, deletionKey string) (int64, error)
}

// ManifestStore persists deletion manifests.
type ManifestStore interface {
	CreateManifest(ctx context.Context, m Manifest) error

	// GetManifest returns apperror MANIFEST_NOT_FOUND for unknown keys.
	GetManifest(ctx context.Context, deletionKey string) (Manifest, error)

	ListManifests(ctx context.Context, f ManifestFilter) ([]Manifest, error)

	// ListExpired returns keys of manifests created before the cutoff, oldest first.
	ListExpired(ctx context.Context, before time.Time) ([]string, error)

	// DeleteManifest reports whether a manifest was removed.
	DeleteManifest(ctx context.Context, deletionKey string) (bool, error)
}

// Locker serialises concurrent deleters of the same root for the lifetime of
// the current transaction. It is optional.
type Locker interface {
	LockEntity(ctx context.Context, entityType, id string) error
}
