package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"tombstone/internal/core/id"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/storage"
)

// CompressionAlgo specifies the compression algorithm used for audit details.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// AuditEntry is one row of sys_audit.
type AuditEntry struct {
	ID                id.ID           `db:"id"`
	Action            string          `db:"action"`
	Actor             string          `db:"actor"`
	EntityType        string          `db:"entity_type"`
	EntityID          string          `db:"entity_id"`
	DeletionKey       string          `db:"deletion_key"`
	Details           json.RawMessage `db:"details"`
	DetailsCompressed []byte          `db:"details_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

var _ cascade.AuditSink = (*AuditService)(nil)

// AuditService records cascade audit events in sys_audit.
// Large detail payloads (wide tables, many dropped columns) are zstd compressed.
type AuditService struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewAuditService creates a new audit service.
func NewAuditService(txManager *TxManager) (*AuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &AuditService{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 8 * 1024,
	}, nil
}

// Record inserts the event in the current transaction.
func (s *AuditService) Record(ctx context.Context, e cascade.AuditEvent) error {
	entry, err := s.entry(e)
	if err != nil {
		return err
	}
	cols, vals := storage.ColumnValues(entry)
	query, args, err := Builder().Insert("sys_audit").Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txManager.GetQuerier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *AuditService) entry(e cascade.AuditEvent) (AuditEntry, error) {
	details, err := json.Marshal(e)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("marshal audit event: %w", err)
	}
	entry := AuditEntry{
		ID:              id.New(),
		Action:          string(e.Action),
		Actor:           e.Actor,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		DeletionKey:     e.DeletionKey,
		Details:         details,
		CompressionAlgo: CompressionNone,
		CreatedAt:       e.OccurredAt,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(details) > s.compressThreshold {
		entry.DetailsCompressed = s.encoder.EncodeAll(details, nil)
		entry.Details = nil
		entry.CompressionAlgo = CompressionZstd
	}
	return entry, nil
}

// History returns the audit events of one entity, newest first.
func (s *AuditService) History(ctx context.Context, entityType, entityID string, limit int) ([]cascade.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := Builder().Select(storage.Columns[AuditEntry]()...).
		From("sys_audit").
		Where(squirrel.Eq{"entity_type": entityType, "entity_id": entityID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var entries []AuditEntry
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &entries, query, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	events := make([]cascade.AuditEvent, 0, len(entries))
	for _, entry := range entries {
		e, err := s.decode(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *AuditService) decode(entry AuditEntry) (cascade.AuditEvent, error) {
	details := []byte(entry.Details)
	if entry.CompressionAlgo == CompressionZstd {
		decompressed, err := s.decoder.DecodeAll(entry.DetailsCompressed, nil)
		if err != nil {
			return cascade.AuditEvent{}, fmt.Errorf("decompress audit %s: %w", entry.ID, err)
		}
		details = decompressed
	}
	var e cascade.AuditEvent
	if err := json.Unmarshal(details, &e); err != nil {
		return cascade.AuditEvent{}, fmt.Errorf("unmarshal audit %s: %w", entry.ID, err)
	}
	return e, nil
}
