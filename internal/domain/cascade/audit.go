package cascade

import (
	"context"
	"errors"
	"time"

	"tombstone/pkg/logger"
)

// AuditAction is the kind of cascade operation recorded in the audit log.
type AuditAction string

const (
	AuditDelete  AuditAction = "cascade_delete"
	AuditRestore AuditAction = "cascade_restore"
	AuditPurge   AuditAction = "cascade_purge"
)

// AuditEvent is the structured record emitted for every delete, restore and purge.
type AuditEvent struct {
	Action         AuditAction         `json:"action"`
	Actor          string              `json:"actor"`
	EntityType     string              `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	DisplayName    string              `json:"display_name,omitempty"`
	DeletionKey    string              `json:"deletion_key"`
	Reason         string              `json:"reason,omitempty"`
	DependentCount int                 `json:"dependent_count"`
	Tables         []string            `json:"tables,omitempty"`
	DroppedColumns map[string][]string `json:"dropped_columns,omitempty"`
	// Expired is set when a purge was triggered by the retention policy.
	Expired    bool      `json:"expired,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuditSink receives audit events. Record is called inside the operation's
// transaction; returning an error rolls the operation back.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent) error
}

// LogSink writes audit events to the structured log.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, e AuditEvent) error {
	logger.Info(ctx, "cascade audit",
		"action", e.Action,
		"actor", e.Actor,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"deletion_key", e.DeletionKey,
		"dependents", e.DependentCount,
		"tables", e.Tables,
	)
	return nil
}

// MultiSink fans an event out to several sinks and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, e AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
