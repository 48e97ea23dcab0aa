// Package app wires configuration, storage and the cascade engine together
// for the server, worker and tombctl binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"slices"

	"tombstone/internal/config"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
	"tombstone/internal/infrastructure/storage/postgres"
	"tombstone/internal/infrastructure/storage/sqlite"
	"tombstone/internal/metadata"
	"tombstone/pkg/logger"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryFunc returns the audit trail of one entity, oldest first.
type HistoryFunc func(ctx context.Context, entityType, entityID string) ([]cascade.AuditEvent, error)

// App holds the assembled components.
type App struct {
	Config   *config.Config
	Registry *cascade.Registry
	Service  *cascade.Service
	DB       Pinger
	History  HistoryFunc

	// Relay is set when the outbox is enabled (postgres only).
	Relay *postgres.OutboxRelay
	// Pool is set for the postgres backend.
	Pool *postgres.Pool

	closers []func()
}

// New opens the configured store, applies migrations when enabled and
// builds the cascade service from the entity definitions file.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	registry, err := metadata.LoadFile(cfg.Cascade.File)
	if err != nil {
		return nil, err
	}

	c, err := newCodec(cfg.Snapshot)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Registry: registry}
	svcCfg := cascade.ServiceConfig{Registry: registry}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		err = a.openPostgres(ctx, c, &svcCfg)
	case config.DriverSQLite:
		err = a.openSQLite(ctx, c, &svcCfg)
	default:
		err = fmt.Errorf("unsupported driver %q", cfg.Database.Driver)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = cascade.NewService(svcCfg)

	logger.Info(ctx, "cascade engine ready",
		"driver", cfg.Database.Driver,
		"entities", len(registry.List()),
		"advisory_locks", svcCfg.Locker != nil,
		"outbox", a.Relay != nil,
	)
	return a, nil
}

func (a *App) openPostgres(ctx context.Context, c *codec.Codec, svcCfg *cascade.ServiceConfig) error {
	cfg := a.Config

	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN)
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return err
	}
	a.Pool = pool
	a.DB = pool
	a.closers = append(a.closers, pool.Close)

	if cfg.Database.Migrate {
		if err := postgres.MigrateUp(pool); err != nil {
			return err
		}
	}

	opts := postgres.DefaultTxOptions()
	opts.StatementTimeout = cfg.Database.StatementTimeout
	txm := postgres.NewTxManager(pool).WithOptions(opts)

	audit, err := postgres.NewAuditService(txm)
	if err != nil {
		return err
	}
	sinks := cascade.MultiSink{cascade.LogSink{}, audit}
	if cfg.Outbox.Enabled {
		sinks = append(sinks, postgres.NewOutboxSink(txm))
		a.Relay = postgres.NewOutboxRelay(txm, cfg.Outbox.BatchSize, postgres.LogHandler{})
	}

	svcCfg.TxManager = txm
	svcCfg.Rows = postgres.NewRowStore(txm)
	svcCfg.Snapshots = postgres.NewSnapshotStore(txm, c)
	svcCfg.Manifests = postgres.NewManifestStore(txm)
	svcCfg.Audit = sinks
	if cfg.Cascade.AdvisoryLocks {
		svcCfg.Locker = postgres.NewAdvisoryLocker(txm)
	}

	a.History = func(ctx context.Context, entityType, entityID string) ([]cascade.AuditEvent, error) {
		events, err := audit.History(ctx, entityType, entityID, 0)
		slices.Reverse(events)
		return events, err
	}
	return nil
}

// openSQLite wires the embedded backend. SQLite serialises writers itself,
// so no locker is configured.
func (a *App) openSQLite(ctx context.Context, c *codec.Codec, svcCfg *cascade.ServiceConfig) error {
	cfg := a.Config

	dbCfg := sqlite.DefaultConfig(cfg.Database.DSN)
	dbCfg.MaxOpenConns = int(cfg.Database.MaxConns)
	dbCfg.BusyTimeout = cfg.Database.BusyTimeout
	db, err := sqlite.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, func() { _ = db.Close() })

	if cfg.Database.Migrate {
		if err := sqlite.MigrateUp(db); err != nil {
			return err
		}
	}

	txm := sqlite.NewTxManager(db)
	audit := sqlite.NewAuditStore(txm)

	svcCfg.TxManager = txm
	svcCfg.Rows = sqlite.NewRowStore(txm)
	svcCfg.Snapshots = sqlite.NewSnapshotStore(txm, c)
	svcCfg.Manifests = sqlite.NewManifestStore(txm)
	svcCfg.Audit = cascade.MultiSink{cascade.LogSink{}, audit}

	a.History = audit.History
	return nil
}

// Close releases the store. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// BulkOptions returns the configured bulk defaults.
func (a *App) BulkOptions() cascade.BulkOptions {
	return cascade.BulkOptions{Concurrency: a.Config.Cascade.BulkConcurrency}
}

func newCodec(cfg config.SnapshotConfig) (*codec.Codec, error) {
	codecCfg := codec.Config{CompressThreshold: cfg.CompressThreshold}

	if cfg.RecipientsFile != "" {
		f, err := os.Open(cfg.RecipientsFile)
		if err != nil {
			return nil, fmt.Errorf("open age recipients: %w", err)
		}
		defer f.Close()
		if codecCfg.Recipients, err = codec.ParseRecipients(f); err != nil {
			return nil, err
		}
	}
	if cfg.IdentitiesFile != "" {
		f, err := os.Open(cfg.IdentitiesFile)
		if err != nil {
			return nil, fmt.Errorf("open age identities: %w", err)
		}
		defer f.Close()
		if codecCfg.Identities, err = codec.ParseIdentities(f); err != nil {
			return nil, err
		}
	}
	return codec.New(codecCfg)
}
