package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tombstone/internal/app"
	"tombstone/internal/config"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/storage/sqlite"
)

const definitions = `
[[entity]]
type = "employee"
table = "employees"

  [[entity.tier]]
  table = "leave_requests"
  foreign_key = "employee_id"
`

func TestNew_SQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	defs := filepath.Join(dir, "cascade.toml")
	require.NoError(t, os.WriteFile(defs, []byte(definitions), 0o600))

	cfg, err := config.LoadFrom(map[string]string{
		"TOMBSTONE_DB_DSN":       filepath.Join(dir, "hr.db"),
		"TOMBSTONE_CASCADE_FILE": defs,
	})
	require.NoError(t, err)

	a, err := app.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.DB.Ping(ctx))
	assert.Nil(t, a.Relay)
	assert.Nil(t, a.Pool)
	_, ok := a.Registry.Lookup("employee")
	assert.True(t, ok)
	assert.Equal(t, 1, a.BulkOptions().Concurrency)
}

func TestNew_DeleteRestoreAndHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	defs := filepath.Join(dir, "cascade.toml")
	require.NoError(t, os.WriteFile(defs, []byte(definitions), 0o600))
	dbPath := filepath.Join(dir, "hr.db")
	seed(t, dbPath)

	cfg, err := config.LoadFrom(map[string]string{
		"TOMBSTONE_DB_DSN":       dbPath,
		"TOMBSTONE_CASCADE_FILE": defs,
	})
	require.NoError(t, err)

	a, err := app.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	m, err := a.Service.Delete(ctx, cascade.Ref{Type: "employee", ID: int64(1)}, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, m.DependentCount())

	_, err = a.Service.Restore(ctx, m.DeletionKey)
	require.NoError(t, err)

	events, err := a.History(ctx, "employee", "1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, cascade.AuditDelete, events[0].Action)
	assert.Equal(t, cascade.AuditRestore, events[1].Action)
}

func TestNew_MissingDefinitions(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"TOMBSTONE_DB_DSN":       filepath.Join(t.TempDir(), "hr.db"),
		"TOMBSTONE_CASCADE_FILE": filepath.Join(t.TempDir(), "missing.toml"),
	})
	require.NoError(t, err)

	_, err = app.New(context.Background(), cfg)
	assert.Error(t, err)
}

func seed(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.DefaultConfig(path))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
		CREATE TABLE leave_requests (
			id          INTEGER PRIMARY KEY,
			employee_id INTEGER NOT NULL REFERENCES employees (id)
		);
		INSERT INTO employees (id, name) VALUES (1, 'Ada');
		INSERT INTO leave_requests (id, employee_id) VALUES (10, 1);
	`)
	require.NoError(t, err)
}
