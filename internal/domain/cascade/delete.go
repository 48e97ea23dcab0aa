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

// capture is the result of walking a cascade for one root.
type capture struct {
	snapshots  []Snapshot // dependents deepest first, root last
	tableOrder []string
}

// Delete snapshots and hard-deletes the root and every configured dependent in
// one transaction, returning the manifest that can later restore them.
//
// Blockers are re-evaluated inside the transaction; if any objects the call
// fails with DELETION_BLOCKED and nothing is mutated.
func (s *Service) Delete(ctx context.Context, ref Ref, reason string) (manifest *Manifest, err error) {
	ctx, span := s.startSpan(ctx, "delete",
		attribute.String("cascade.entity_type", ref.Type),
		attribute.String("cascade.entity_id", FormatID(ref.ID)))
	defer func() { endSpan(span, err) }()

	def, key, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	deletionKey := id.NewKey()
	var m Manifest

	err = s.inTx(ctx, "cascade delete", func(ctx context.Context) error {
		if s.locker != nil {
			if err := s.locker.LockEntity(ctx, def.Type, FormatID(key)); err != nil {
				return fmt.Errorf("lock %s %s: %w", def.Type, FormatID(key), err)
			}
		}

		root, err := s.rows.Get(ctx, def.Table, def.PrimaryKey, key)
		if err != nil {
			return s.normalizeGetErr(err, def, key)
		}
		rootID := FormatID(mustGet(root, def.PrimaryKey))

		reasons, err := collectReasons(ctx, def.Cascade, s.rows, root)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			return apperror.NewDeletionBlocked(def.Type, rootID, reasons)
		}

		// 1-2. Snapshot dependents deepest first, then the root.
		c, err := s.captureCascade(ctx, def, root, deletionKey)
		if err != nil {
			return err
		}
		if err := s.snapshots.SaveSnapshots(ctx, c.snapshots); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}

		// 3-4. Delete in the same order; the root is the last snapshot.
		for _, snap := range c.snapshots {
			n, err := s.rows.Delete(ctx, snap.Table, snap.PrimaryKey, snap.ID())
			if err != nil {
				return fmt.Errorf("delete %s %s: %w", snap.Table, FormatID(snap.ID()), err)
			}
			if n != 1 {
				return apperror.NewConcurrentModification(snap.Table, FormatID(snap.ID()))
			}
		}

		// 5. Manifest.
		m = Manifest{
			DeletionKey:     deletionKey,
			RootEntityType:  def.Type,
			RootID:          rootID,
			RootDisplayName: def.Display(root),
			SnapshotKeys:    make([]string, len(c.snapshots)),
			TableOrder:      c.tableOrder,
			DeletedBy:       appctx.ActorName(ctx),
			Reason:          reason,
			CreatedAt:       s.timestamp(),
		}
		for i, snap := range c.snapshots {
			m.SnapshotKeys[i] = snap.Key
		}
		if err := s.manifests.CreateManifest(ctx, m); err != nil {
			return fmt.Errorf("create manifest: %w", err)
		}

		// 6. Audit.
		return s.audit.Record(ctx, AuditEvent{
			Action:         AuditDelete,
			Actor:          m.DeletedBy,
			EntityType:     m.RootEntityType,
			EntityID:       m.RootID,
			DisplayName:    m.RootDisplayName,
			DeletionKey:    m.DeletionKey,
			Reason:         reason,
			DependentCount: m.DependentCount(),
			Tables:         m.TableOrder,
			OccurredAt:     m.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "cascade delete completed",
		"deletion_key", m.DeletionKey,
		"entity_type", m.RootEntityType,
		"entity_id", m.RootID,
		"dependents", m.DependentCount(),
		"tables", m.TableOrder,
	)
	return &m, nil
}

// captureCascade selects every dependent tier against the live store before
// anything is deleted, so nested selectors still resolve through their parents.
// A row matched by more than one tier is captured once, at its first tier.
func (s *Service) captureCascade(ctx context.Context, def *EntityDef, root Record, deletionKey string) (*capture, error) {
	now := s.timestamp()
	rootID := mustGet(root, def.PrimaryKey)

	type rowKey struct{ table, id string }
	seen := map[rowKey]struct{}{{def.Table, FormatID(rootID)}: {}}
	tables := map[string]struct{}{}
	c := &capture{}

	if cas := def.Cascade; cas != nil {
		for i, dep := range cas.SnapshotOrder {
			pred, err := cas.predicate(def, i, root)
			if err != nil {
				return nil, err
			}
			rows, err := s.rows.Select(ctx, dep.Table, pred, dep.OrderBy...)
			if err != nil {
				return nil, fmt.Errorf("select %s: %w", dep.Table, err)
			}
			for _, rec := range rows {
				pk, ok := rec.Get(dep.PrimaryKey)
				if !ok {
					return nil, fmt.Errorf("tier %s: row has no primary key column %q", dep.Table, dep.PrimaryKey)
				}
				k := rowKey{dep.Table, FormatID(pk)}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				c.snapshots = append(c.snapshots, Snapshot{
					Key:         id.NewKey(),
					DeletionKey: deletionKey,
					EntityType:  dep.EntityType,
					Table:       dep.Table,
					PrimaryKey:  dep.PrimaryKey,
					Values:      rec,
					CapturedAt:  now,
				})
				if _, ok := tables[dep.Table]; !ok && dep.Table != def.Table {
					tables[dep.Table] = struct{}{}
					c.tableOrder = append(c.tableOrder, dep.Table)
				}
			}
		}
	}

	c.snapshots = append(c.snapshots, Snapshot{
		Key:         id.NewKey(),
		DeletionKey: deletionKey,
		EntityType:  def.Type,
		Table:       def.Table,
		PrimaryKey:  def.PrimaryKey,
		Values:      root,
		CapturedAt:  now,
	})
	c.tableOrder = append(c.tableOrder, def.Table)
	return c, nil
}

func mustGet(r Record, column string) any {
	v, _ := r.Get(column)
	return v
}
