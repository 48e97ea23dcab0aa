package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tombstone/internal/core/id"
	"tombstone/internal/domain/cascade"
	"tombstone/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// maxOutboxRetries is the number of failed deliveries before a message is parked.
const maxOutboxRetries = 5

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"` // root entity type
	AggregateID   string       `db:"aggregate_id"`   // root entity id
	EventType     string       `db:"event_type"`     // e.g. "cascade.deleted"
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

var eventTypes = map[cascade.AuditAction]string{
	cascade.AuditDelete:  "cascade.deleted",
	cascade.AuditRestore: "cascade.restored",
	cascade.AuditPurge:   "cascade.purged",
}

var _ cascade.AuditSink = (*OutboxSink)(nil)

// OutboxSink writes every cascade event to sys_outbox in the operation's
// transaction, so downstream consumers see exactly the committed operations.
type OutboxSink struct {
	txManager *TxManager
}

// NewOutboxSink creates a new outbox sink.
func NewOutboxSink(txManager *TxManager) *OutboxSink {
	return &OutboxSink{txManager: txManager}
}

const insertOutboxSQL = `
	INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Record publishes e. It must be called inside a transaction.
func (s *OutboxSink) Record(ctx context.Context, e cascade.AuditEvent) error {
	return s.RecordBatch(ctx, []cascade.AuditEvent{e})
}

// RecordBatch publishes several events in one round-trip.
func (s *OutboxSink) RecordBatch(ctx context.Context, events []cascade.AuditEvent) error {
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		batch.Queue(insertOutboxSQL, id.New(), e.EntityType, e.EntityID, eventType(e.Action), payload, OutboxStatusPending, now)
	}
	if err := s.txManager.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func eventType(a cascade.AuditAction) string {
	if t, ok := eventTypes[a]; ok {
		return t
	}
	return string(a)
}

// OutboxHandler delivers outbox messages.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// LogHandler delivers messages to the structured log.
type LogHandler struct{}

func (LogHandler) Handle(ctx context.Context, msg *OutboxMessage) error {
	logger.Info(ctx, "outbox event",
		"event_type", msg.EventType,
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"payload", string(msg.Payload),
	)
	return nil
}

// OutboxRelay reads and delivers messages from the outbox.
type OutboxRelay struct {
	txManager *TxManager
	batchSize int
	handler   OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, batchSize int, handler OutboxHandler) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{txManager: txManager, batchSize: batchSize, handler: handler}
}

const fetchOutboxSQL = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
	       retry_count, last_error, next_retry_at, created_at, published_at
	FROM sys_outbox
	WHERE status = $1
	  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED`

// ProcessBatch delivers up to batchSize pending messages and returns how many
// succeeded. The fetched rows stay locked until their status is written, so
// several relays can run side by side.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		q := r.txManager.GetQuerier(ctx)
		rows, err := q.Query(ctx, fetchOutboxSQL, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}
		messages, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxMessage])
		if err != nil {
			return fmt.Errorf("scan outbox messages: %w", err)
		}

		batch := &pgx.Batch{}
		for _, msg := range messages {
			if err := r.handler.Handle(ctx, msg); err != nil {
				logger.Warn(ctx, "outbox delivery failed", "id", msg.ID, "retry", msg.RetryCount, "error", err)
				nextRetry := time.Now().Add(time.Duration(msg.RetryCount+1) * time.Minute)
				batch.Queue(`
					UPDATE sys_outbox
					SET retry_count = retry_count + 1,
					    last_error = $1,
					    next_retry_at = $2,
					    status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE status END
					WHERE id = $5`,
					err.Error(), nextRetry, maxOutboxRetries, OutboxStatusFailed, msg.ID)
				continue
			}
			batch.Queue(`UPDATE sys_outbox SET status = $1, published_at = NOW() WHERE id = $2`,
				OutboxStatusPublished, msg.ID)
			processed++
		}
		if batch.Len() == 0 {
			return nil
		}
		return r.txManager.sendBatch(ctx, batch)
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// MoveToDLQ moves messages that exhausted their retries to sys_outbox_dlq.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1 AND retry_count >= $2
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() AS failed_at, last_error AS failure_reason FROM moved`,
		OutboxStatusFailed, maxOutboxRetries)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return tag.RowsAffected(), nil
}
