package cascade_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"

	"tombstone/internal/core/tx"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
	"tombstone/internal/infrastructure/storage/sqlite"
)

const hrSchema = `
CREATE TABLE departments (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE employees (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	email         TEXT,
	status        TEXT NOT NULL DEFAULT 'active',
	salary        REAL,
	department_id INTEGER REFERENCES departments (id),
	manager_id    INTEGER REFERENCES employees (id)
);
CREATE TABLE leave_requests (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	employee_id INTEGER NOT NULL REFERENCES employees (id),
	days        INTEGER NOT NULL,
	note        TEXT
);
CREATE TABLE leave_approvals (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	leave_request_id INTEGER NOT NULL REFERENCES leave_requests (id),
	approver         TEXT NOT NULL
);
CREATE TABLE documents (
	id          TEXT PRIMARY KEY,
	employee_id INTEGER NOT NULL REFERENCES employees (id),
	title       TEXT NOT NULL
);
CREATE TABLE payroll (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	employee_id INTEGER NOT NULL REFERENCES employees (id),
	amount      REAL NOT NULL
);
CREATE TABLE shifts (
	id          INTEGER PRIMARY KEY,
	employee_id INTEGER NOT NULL REFERENCES employees (id),
	day         DATE NOT NULL,
	starts_at   DATETIME,
	ends_at     TIMESTAMP
);
`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	db        *sqlite.DB
	txManager *sqlite.TxManager
	rows      *sqlite.RowStore
	snapshots *sqlite.SnapshotStore
	manifests *sqlite.ManifestStore
	audit     *sqlite.AuditStore
	registry  *cascade.Registry
	clock     *clock
	svc       *cascade.Service
}

func newTestEnv(t *testing.T, configure ...func(*cascade.ServiceConfig)) *testEnv {
	t.Helper()
	return openTestEnv(t, sqlite.Config{Path: ":memory:"}, configure...)
}

// newFileTestEnv runs against a WAL database file with a connection pool.
func newFileTestEnv(t *testing.T, configure ...func(*cascade.ServiceConfig)) *testEnv {
	t.Helper()
	return openTestEnv(t, sqlite.DefaultConfig(filepath.Join(t.TempDir(), "hr.db")), configure...)
}

func openTestEnv(t *testing.T, dbCfg sqlite.Config, configure ...func(*cascade.ServiceConfig)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.MigrateUp(db))
	_, err = db.ExecContext(ctx, hrSchema)
	require.NoError(t, err)

	txm := sqlite.NewTxManager(db)
	e := &testEnv{
		db:        db,
		txManager: txm,
		rows:      sqlite.NewRowStore(txm),
		snapshots: sqlite.NewSnapshotStore(txm, codec.MustNew(codec.Config{CompressThreshold: 256})),
		manifests: sqlite.NewManifestStore(txm),
		audit:     sqlite.NewAuditStore(txm),
		registry:  hrRegistry(t),
		clock:     &clock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)},
	}

	cfg := cascade.ServiceConfig{
		Registry:  e.registry,
		TxManager: txm,
		Rows:      e.rows,
		Snapshots: e.snapshots,
		Manifests: e.manifests,
		Audit:     cascade.MultiSink{cascade.LogSink{}, e.audit},
		Now:       e.clock.Now,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	e.svc = cascade.NewService(cfg)
	return e
}

func hrRegistry(t *testing.T) *cascade.Registry {
	t.Helper()
	r := cascade.NewRegistry()

	displayName := func(root cascade.Record) string {
		name, _ := root.Get("name")
		s, _ := name.(string)
		return s
	}
	lockedBlocker := cascade.Blocker{
		Name: "locked",
		Check: func(ctx context.Context, _ cascade.Reader, root cascade.Record) (string, error) {
			if status, _ := root.Get("status"); status == "locked" {
				return "employee record is locked", nil
			}
			return "", nil
		},
	}
	payrollBlocker := cascade.Blocker{
		Name:  "payroll",
		Check: cascade.BlockIfReferenced("payroll", "employee_id", "id", "employee has %d payroll record(s)"),
	}

	require.NoError(t, r.Register(cascade.EntityDef{Type: "department", Table: "departments"}))
	require.NoError(t, r.Register(cascade.EntityDef{Type: "document", Table: "documents", KeyType: cascade.KeyText}))
	require.NoError(t, r.Register(cascade.EntityDef{
		Type:        "employee",
		Table:       "employees",
		DisplayName: displayName,
		Cascade: &cascade.Cascade{
			Blockers: []cascade.Blocker{payrollBlocker, lockedBlocker},
			SnapshotOrder: []cascade.Dependent{
				{EntityType: "leave_request", Table: "leave_requests", Selector: cascade.ByForeignKey("employee_id")},
			},
		},
	}))
	require.NoError(t, r.Register(cascade.EntityDef{
		Type:        "employee_full",
		Table:       "employees",
		DisplayName: displayName,
		Cascade: &cascade.Cascade{
			Blockers: []cascade.Blocker{payrollBlocker},
			SnapshotOrder: []cascade.Dependent{
				{EntityType: "leave_approval", Table: "leave_approvals", Selector: cascade.Through("leave_requests", "leave_request_id")},
				{EntityType: "leave_request", Table: "leave_requests", Selector: cascade.ByForeignKey("employee_id"), OrderBy: []string{"id"}},
				{EntityType: "document", Table: "documents", Selector: cascade.ByForeignKey("employee_id")},
				{EntityType: "employee", Table: "employees", Selector: cascade.ByForeignKey("manager_id"), OrderBy: []string{"id"}},
			},
		},
	}))
	require.NoError(t, r.Register(cascade.EntityDef{
		Type:  "manager",
		Table: "employees",
		Cascade: &cascade.Cascade{
			SnapshotOrder: []cascade.Dependent{
				{EntityType: "employee", Table: "employees", Selector: cascade.ByForeignKey("manager_id")},
			},
		},
	}))
	require.NoError(t, r.Register(cascade.EntityDef{
		Type:  "rota",
		Table: "employees",
		Cascade: &cascade.Cascade{
			SnapshotOrder: []cascade.Dependent{
				{EntityType: "shift", Table: "shifts", Selector: cascade.ByForeignKey("employee_id")},
			},
		},
	}))
	require.NoError(t, r.Register(cascade.EntityDef{
		Type:  "long_leave",
		Table: "employees",
		Cascade: &cascade.Cascade{
			SnapshotOrder: []cascade.Dependent{
				{Table: "leave_requests", Selector: cascade.Where(func(root cascade.Record) squirrel.Sqlizer {
					id, _ := root.Get("id")
					return squirrel.And{squirrel.Eq{"employee_id": id}, squirrel.Gt{"days": 5}}
				})},
			},
		},
	}))
	return r
}

func (e *testEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := e.db.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// dump reads every row of table ordered by primary key.
func (e *testEnv) dump(t *testing.T, table string) []cascade.Record {
	t.Helper()
	recs, err := e.rows.Select(context.Background(), table, squirrel.Expr("1 = 1"), "id")
	require.NoError(t, err)
	return recs
}

// seedEmployee7 creates Employee#7 with three leave requests and one payroll row.
func (e *testEnv) seedEmployee7(t *testing.T) {
	t.Helper()
	e.exec(t, `INSERT INTO departments (id, name) VALUES (1, 'Engineering')`)
	e.exec(t, `INSERT INTO employees (id, name, email, salary, department_id) VALUES (7, 'Ada Lovelace', 'ada@example.com', 5200.5, 1)`)
	for i, days := range []int{2, 5, 10} {
		e.exec(t, `INSERT INTO leave_requests (id, employee_id, days, note) VALUES (?, 7, ?, ?)`, 100+i, days, fmt.Sprintf("trip %d", i))
	}
	e.exec(t, `INSERT INTO payroll (id, employee_id, amount) VALUES (1, 7, 5200.5)`)
}

// faultyRows injects store failures into an otherwise working RowStore.
type faultyRows struct {
	cascade.RowStore

	mu           sync.Mutex
	deletes      int
	inserts      int
	failDeleteAt int // 1-based; 0 disables
	failInsertAt int
	zeroDeletes  bool
}

var errInjected = errors.New("injected store failure")

func (f *faultyRows) Delete(ctx context.Context, table, pk string, id any) (int64, error) {
	f.mu.Lock()
	f.deletes++
	n := f.deletes
	f.mu.Unlock()
	if f.failDeleteAt > 0 && n == f.failDeleteAt {
		return 0, errInjected
	}
	if f.zeroDeletes {
		return 0, nil
	}
	return f.RowStore.Delete(ctx, table, pk, id)
}

func (f *faultyRows) InsertWithIdentity(ctx context.Context, table, pk string, rec cascade.Record) error {
	f.mu.Lock()
	f.inserts++
	n := f.inserts
	f.mu.Unlock()
	if f.failInsertAt > 0 && n == f.failInsertAt {
		return errInjected
	}
	return f.RowStore.InsertWithIdentity(ctx, table, pk, rec)
}

type recordingLocker struct {
	mu    sync.Mutex
	locks []string
}

func (l *recordingLocker) LockEntity(_ context.Context, entityType, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = append(l.locks, entityType+"/"+id)
	return nil
}

type failingSink struct{}

func (failingSink) Record(context.Context, cascade.AuditEvent) error {
	return errors.New("audit log unavailable")
}

// countingTx counts read-only and read-write transactions.
type countingTx struct {
	tx.ReadOnlyManager

	mu        sync.Mutex
	readOnly  int
	readWrite int
}

func (c *countingTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.readWrite++
	c.mu.Unlock()
	return c.ReadOnlyManager.RunInTransaction(ctx, fn)
}

func (c *countingTx) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.readOnly++
	c.mu.Unlock()
	return c.ReadOnlyManager.ReadOnly(ctx, fn)
}
