// Package config loads process configuration from TOMBSTONE_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Prefix is prepended to every variable name.
const Prefix = "TOMBSTONE_"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Cascade   CascadeConfig   `envPrefix:"CASCADE_"`
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Retention RetentionConfig `envPrefix:"RETENTION_"`
	Outbox    OutboxConfig    `envPrefix:"OUTBOX_"`
	Snapshot  SnapshotConfig  `envPrefix:"SNAPSHOT_"`
	Logging   LoggingConfig   `envPrefix:"LOG_"`
}

type DatabaseConfig struct {
	Driver           string        `env:"DRIVER" envDefault:"sqlite"`
	DSN              string        `env:"DSN" envDefault:"tombstone.db"`
	MaxConns         int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns         int32         `env:"MIN_CONNS" envDefault:"2"`
	StatementTimeout time.Duration `env:"STATEMENT_TIMEOUT" envDefault:"30s"`
	BusyTimeout      time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
	Migrate          bool          `env:"MIGRATE" envDefault:"true"`
}

type CascadeConfig struct {
	// File is the TOML file with entity definitions.
	File            string `env:"FILE" envDefault:"configs/cascade.toml"`
	BulkConcurrency int    `env:"BULK_CONCURRENCY" envDefault:"1"`
	AdvisoryLocks   bool   `env:"ADVISORY_LOCKS" envDefault:"true"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type RetentionConfig struct {
	// MaxAge of zero disables the retention sweep.
	MaxAge   time.Duration `env:"MAX_AGE" envDefault:"720h"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1h"`
}

type OutboxConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"false"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
}

type SnapshotConfig struct {
	CompressThreshold int    `env:"COMPRESS_THRESHOLD" envDefault:"1024"`
	RecipientsFile    string `env:"AGE_RECIPIENTS_FILE"`
	IdentitiesFile    string `env:"AGE_IDENTITIES_FILE"`
}

type LoggingConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment. Keys carry the prefix.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%sDB_DRIVER: unsupported driver %q", Prefix, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%sDB_DSN is required", Prefix)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("%sRETENTION_MAX_AGE must not be negative", Prefix)
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("%sRETENTION_INTERVAL must be positive", Prefix)
	}
	if c.Outbox.Enabled && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("%sOUTBOX_ENABLED requires the postgres driver", Prefix)
	}
	if c.Cascade.BulkConcurrency < 1 {
		c.Cascade.BulkConcurrency = 1
	}
	return nil
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
