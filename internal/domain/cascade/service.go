package cascade

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tombstone/internal/core/apperror"
	appctx "tombstone/internal/core/context"
	"tombstone/internal/core/id"
	"tombstone/internal/core/tx"
	"tombstone/pkg/logger"
)

var tracer = otel.Tracer("tombstone/cascade")

// ServiceConfig configures the cascade service.
type ServiceConfig struct {
	Registry  *Registry
	TxManager tx.ReadOnlyManager
	Rows      RowStore
	Snapshots SnapshotStore
	Manifests ManifestStore

	// Audit defaults to LogSink.
	Audit AuditSink

	// Locker is optional. When nil the store's isolation is the only
	// protection against two callers deleting the same root.
	Locker Locker

	// Now is used for snapshot, manifest and retention timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service is the cascading deletion and restoration engine.
// It is safe for concurrent use; every operation runs in its own transaction.
type Service struct {
	registry  *Registry
	txManager tx.ReadOnlyManager
	rows      RowStore
	snapshots SnapshotStore
	manifests ManifestStore
	audit     AuditSink
	locker    Locker
	now       func() time.Time
}

// NewService creates a new cascade service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		registry:  cfg.Registry,
		txManager: cfg.TxManager,
		rows:      cfg.Rows,
		snapshots: cfg.Snapshots,
		manifests: cfg.Manifests,
		audit:     cfg.Audit,
		locker:    cfg.Locker,
		now:       cfg.Now,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.audit == nil {
		s.audit = LogSink{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Registry returns the registry the service resolves entity types against.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) lookup(entityType string) (*EntityDef, error) {
	def, ok := s.registry.Lookup(entityType)
	if !ok {
		return nil, apperror.NewUnknownEntityType(entityType)
	}
	return def, nil
}

// resolve looks up the entity type of ref and converts its id to the key type.
func (s *Service) resolve(ref Ref) (*EntityDef, any, error) {
	def, err := s.lookup(ref.Type)
	if err != nil {
		return nil, nil, err
	}
	key, ok := def.Key(ref.ID)
	if !ok {
		return nil, nil, apperror.NewNotFound(def.Type, FormatID(ref.ID))
	}
	return def, key, nil
}

// readTx runs fn in a read-only transaction. Store failures become INTERNAL_ERROR.
func (s *Service) readTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.txManager.ReadOnly(ctx, fn)
	if err == nil || apperror.IsAppError(err) {
		return err
	}
	return apperror.NewInternal(err)
}

// inTx runs fn atomically. AppErrors raised inside propagate unchanged; any
// other failure is reported as TRANSACTION_FAILURE with the store error as cause.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.txManager.RunInTransaction(ctx, fn)
	if err == nil {
		return nil
	}
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewTransactionFailure(op, err)
}

// startSpan opens the operation span and tags the context logger with the
// same attributes.
func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	fields := make([]any, 0, 2+2*len(attrs))
	fields = append(fields, "op", "cascade."+name)
	for _, kv := range attrs {
		fields = append(fields, string(kv.Key), kv.Value.Emit())
	}
	ctx = logger.WithFields(ctx, fields...)
	return tracer.Start(ctx, "cascade."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// Validate runs every blocker configured for the entity and returns all reasons
// it must not be deleted. Entity types without a cascade are always deletable.
func (s *Service) Validate(ctx context.Context, ref Ref) (reasons []string, err error) {
	ctx, span := s.startSpan(ctx, "validate",
		attribute.String("cascade.entity_type", ref.Type),
		attribute.String("cascade.entity_id", FormatID(ref.ID)))
	defer func() { endSpan(span, err) }()

	def, key, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	err = s.readTx(ctx, func(ctx context.Context) error {
		root, err := s.rows.Get(ctx, def.Table, def.PrimaryKey, key)
		if err != nil {
			return s.normalizeGetErr(err, def, key)
		}
		reasons, err = collectReasons(ctx, def.Cascade, s.rows, root)
		if err != nil {
			return apperror.NewInternal(err).WithDetail("entity_type", def.Type)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reasons, nil
}

// GetManifest returns the manifest of a completed deletion.
func (s *Service) GetManifest(ctx context.Context, deletionKey string) (*Manifest, error) {
	if !id.ValidKey(deletionKey) {
		return nil, apperror.NewManifestNotFound(deletionKey)
	}
	var m Manifest
	err := s.readTx(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.manifests.GetManifest(ctx, deletionKey)
		return err
	})
	if err != nil {
		if appErr, ok := apperror.AsAppError(err); ok && appErr.Code == apperror.CodeInternal {
			return nil, appErr.WithDetail("deletion_key", deletionKey)
		}
		return nil, err
	}
	return &m, nil
}

// ListManifests returns manifests newest first.
func (s *Service) ListManifests(ctx context.Context, f ManifestFilter) ([]Manifest, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var list []Manifest
	err := s.readTx(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.manifests.ListManifests(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// PurgePermanent discards a deletion without restoring it. It reports false
// when the key is unknown.
func (s *Service) PurgePermanent(ctx context.Context, deletionKey string) (bool, error) {
	purged, err := s.purge(ctx, deletionKey, false)
	if apperror.IsManifestNotFound(err) {
		return false, nil
	}
	return purged, err
}

func (s *Service) purge(ctx context.Context, deletionKey string, expired bool) (purged bool, err error) {
	ctx, span := s.startSpan(ctx, "purge", attribute.String("cascade.deletion_key", deletionKey))
	defer func() { endSpan(span, err) }()

	if !id.ValidKey(deletionKey) {
		return false, apperror.NewManifestNotFound(deletionKey)
	}

	var m Manifest
	var removed int64
	err = s.inTx(ctx, "cascade purge", func(ctx context.Context) error {
		var err error
		if m, err = s.manifests.GetManifest(ctx, deletionKey); err != nil {
			return err
		}
		if removed, err = s.snapshots.DeleteSnapshots(ctx, deletionKey); err != nil {
			return err
		}
		ok, err := s.manifests.DeleteManifest(ctx, deletionKey)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.NewManifestNotFound(deletionKey)
		}
		return s.audit.Record(ctx, AuditEvent{
			Action:         AuditPurge,
			Actor:          appctx.ActorName(ctx),
			EntityType:     m.RootEntityType,
			EntityID:       m.RootID,
			DisplayName:    m.RootDisplayName,
			DeletionKey:    deletionKey,
			DependentCount: m.DependentCount(),
			Tables:         m.TableOrder,
			Expired:        expired,
			OccurredAt:     s.timestamp(),
		})
	})
	if err != nil {
		return false, err
	}

	logger.Info(ctx, "cascade purge completed",
		"deletion_key", deletionKey,
		"entity_type", m.RootEntityType,
		"entity_id", m.RootID,
		"snapshots", removed,
		"expired", expired,
	)
	return true, nil
}

func (s *Service) normalizeGetErr(err error, def *EntityDef, entityID any) error {
	if apperror.IsNotFound(err) {
		return apperror.NewNotFound(def.Type, FormatID(entityID))
	}
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewInternal(err).WithDetail("entity", def.Type).WithDetail("id", FormatID(entityID))
}
