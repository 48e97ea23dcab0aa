package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"

	"tombstone/internal/core/id"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/storage"
)

type auditRow struct {
	ID          string `db:"id"`
	Action      string `db:"action"`
	Actor       string `db:"actor"`
	EntityType  string `db:"entity_type"`
	EntityID    string `db:"entity_id"`
	DeletionKey string `db:"deletion_key"`
	Details     string `db:"details"`
	CreatedAt   string `db:"created_at"`
}

var _ cascade.AuditSink = (*AuditStore)(nil)

// AuditStore records cascade audit events in sys_audit.
type AuditStore struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

// NewAuditStore creates a new audit store.
func NewAuditStore(txManager *TxManager) *AuditStore {
	return &AuditStore{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// Record inserts the event in the current transaction.
func (s *AuditStore) Record(ctx context.Context, e cascade.AuditEvent) error {
	details, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	cols, vals := storage.ColumnValues(auditRow{
		ID:          id.New().String(),
		Action:      string(e.Action),
		Actor:       e.Actor,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		DeletionKey: e.DeletionKey,
		Details:     string(details),
		CreatedAt:   formatTime(e.OccurredAt),
	})
	query, args, err := s.builder.Insert("sys_audit").Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txManager.GetQuerier(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// History returns the audit events of one entity, oldest first.
func (s *AuditStore) History(ctx context.Context, entityType, entityID string) ([]cascade.AuditEvent, error) {
	query, args, err := s.builder.Select("details").
		From("sys_audit").
		Where(squirrel.Eq{"entity_type": entityType, "entity_id": entityID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.txManager.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []cascade.AuditEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e cascade.AuditEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
