// Package cascade implements cascading deletion with full restoration.
//
// A root entity and every configured dependent row are snapshotted and hard
// deleted inside one transaction; a Manifest keyed by an opaque deletion key
// is the only handle to bring them back with their original primary keys.
package cascade

import (
	"time"
)

// Ref identifies a root entity by type and primary key value.
type Ref struct {
	Type string
	ID   any
}

// Snapshot is one serialized row captured right before it was deleted.
type Snapshot struct {
	Key         string
	DeletionKey string
	EntityType  string
	Table       string
	PrimaryKey  string
	Values      Record
	CapturedAt  time.Time
}

// ID returns the captured primary key value.
func (s Snapshot) ID() any {
	v, _ := s.Values.Get(s.PrimaryKey)
	return v
}

// Manifest is the durable description of one completed cascade deletion.
type Manifest struct {
	DeletionKey     string    `json:"deletion_key"`
	RootEntityType  string    `json:"root_entity_type"`
	RootID          string    `json:"root_id"`
	RootDisplayName string    `json:"root_display_name"`
	SnapshotKeys    []string  `json:"snapshot_keys"`
	TableOrder      []string  `json:"table_order"`
	DeletedBy       string    `json:"deleted_by"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// DependentCount is the number of non-root rows the deletion removed.
func (m Manifest) DependentCount() int {
	if len(m.SnapshotKeys) == 0 {
		return 0
	}
	return len(m.SnapshotKeys) - 1
}

// ManifestFilter narrows manifest listings. Zero values mean "any".
type ManifestFilter struct {
	EntityType string
	RootID     string
	DeletedBy  string
	Before     time.Time
	Limit      int
	Offset     int
}

// Restoration describes a completed restore.
type Restoration struct {
	Root               Record `json:"root"`
	EntityType         string `json:"entity_type"`
	RootID             string `json:"root_id"`
	RestoredDependents int    `json:"restored_dependents"`
	// DroppedColumns lists, per table, captured columns the live schema no longer has.
	DroppedColumns map[string][]string `json:"dropped_columns,omitempty"`
}
