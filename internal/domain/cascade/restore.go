package cascade

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"tombstone/internal/core/apperror"
	appctx "tombstone/internal/core/context"
	"tombstone/internal/core/id"
	"tombstone/pkg/logger"
)

// Restore reinserts the root and every dependent of a deletion with their
// original primary keys, then discards the snapshots and the manifest.
// Any failure rolls back the whole restore and leaves the deletion restorable.
func (s *Service) Restore(ctx context.Context, deletionKey string) (restored *Restoration, err error) {
	ctx, span := s.startSpan(ctx, "restore", attribute.String("cascade.deletion_key", deletionKey))
	defer func() { endSpan(span, err) }()

	if !id.ValidKey(deletionKey) {
		return nil, apperror.NewManifestNotFound(deletionKey)
	}

	var out Restoration
	err = s.inTx(ctx, "cascade restore", func(ctx context.Context) error {
		m, err := s.manifests.GetManifest(ctx, deletionKey)
		if err != nil {
			return err
		}
		snaps, err := s.snapshots.LoadSnapshots(ctx, m.SnapshotKeys)
		if err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}

		rootIdx := -1
		for i := len(snaps) - 1; i >= 0; i-- {
			if snaps[i].EntityType == m.RootEntityType && FormatID(snaps[i].ID()) == m.RootID {
				rootIdx = i
				break
			}
		}
		if rootIdx < 0 {
			return fmt.Errorf("manifest %s: root snapshot %s %s is missing", deletionKey, m.RootEntityType, m.RootID)
		}

		ins := &inserter{rows: s.rows, columns: map[string][]string{}, dropped: map[string][]string{}}

		// Root first: every child may reference it.
		root, err := ins.insert(ctx, snaps[rootIdx])
		if err != nil {
			return err
		}

		byTable := make(map[string][]Snapshot)
		for i, snap := range snaps {
			if i == rootIdx {
				continue
			}
			byTable[snap.Table] = append(byTable[snap.Table], snap)
		}

		restoredChildren := 0
		for i := len(m.TableOrder) - 1; i >= 0; i-- {
			table := m.TableOrder[i]
			children := byTable[table]
			// Reverse of capture order keeps same-table references valid.
			for j := len(children) - 1; j >= 0; j-- {
				if _, err := ins.insert(ctx, children[j]); err != nil {
					return err
				}
			}
			restoredChildren += len(children)
			delete(byTable, table)
		}
		if len(byTable) > 0 {
			return fmt.Errorf("manifest %s: snapshots reference tables outside table_order", deletionKey)
		}

		if _, err := s.snapshots.DeleteSnapshots(ctx, deletionKey); err != nil {
			return fmt.Errorf("delete snapshots: %w", err)
		}
		ok, err := s.manifests.DeleteManifest(ctx, deletionKey)
		if err != nil {
			return fmt.Errorf("delete manifest: %w", err)
		}
		if !ok {
			return apperror.NewManifestNotFound(deletionKey)
		}

		out = Restoration{
			Root:               root,
			EntityType:         m.RootEntityType,
			RootID:             m.RootID,
			RestoredDependents: restoredChildren,
		}
		if len(ins.dropped) > 0 {
			out.DroppedColumns = ins.dropped
		}

		return s.audit.Record(ctx, AuditEvent{
			Action:         AuditRestore,
			Actor:          appctx.ActorName(ctx),
			EntityType:     m.RootEntityType,
			EntityID:       m.RootID,
			DisplayName:    m.RootDisplayName,
			DeletionKey:    deletionKey,
			DependentCount: restoredChildren,
			Tables:         m.TableOrder,
			DroppedColumns: out.DroppedColumns,
			OccurredAt:     s.timestamp(),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "cascade restore completed",
		"deletion_key", deletionKey,
		"entity_type", out.EntityType,
		"entity_id", out.RootID,
		"dependents", out.RestoredDependents,
	)
	return &out, nil
}

// inserter reinserts snapshots, filtering each to the live columns of its table.
type inserter struct {
	rows    RowStore
	columns map[string][]string
	dropped map[string][]string
}

// insert writes snap and returns the record as stored.
func (ins *inserter) insert(ctx context.Context, snap Snapshot) (Record, error) {
	cols, ok := ins.columns[snap.Table]
	if !ok {
		var err error
		cols, err = ins.rows.Columns(ctx, snap.Table)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", snap.Table, err)
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("table %s does not exist", snap.Table)
		}
		ins.columns[snap.Table] = cols
	}

	rec, dropped := snap.Values.Filter(cols)
	if len(dropped) > 0 {
		logger.Warn(ctx, "snapshot columns missing from live schema",
			"code", apperror.CodeSchemaMismatch,
			"table", snap.Table,
			"snapshot_key", snap.Key,
			"columns", dropped,
		)
		ins.noteDropped(snap.Table, dropped)
	}
	if _, ok := rec.Get(snap.PrimaryKey); !ok {
		return nil, fmt.Errorf("table %s no longer has primary key column %q", snap.Table, snap.PrimaryKey)
	}

	if err := ins.rows.InsertWithIdentity(ctx, snap.Table, snap.PrimaryKey, rec); err != nil {
		return nil, fmt.Errorf("insert %s %s: %w", snap.Table, FormatID(snap.ID()), err)
	}
	return rec, nil
}

func (ins *inserter) noteDropped(table string, cols []string) {
	known := ins.dropped[table]
	for _, c := range cols {
		found := false
		for _, k := range known {
			if k == c {
				found = true
				break
			}
		}
		if !found {
			known = append(known, c)
		}
	}
	ins.dropped[table] = known
}
