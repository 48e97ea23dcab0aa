package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/codec"
	v1 "tombstone/internal/infrastructure/http/v1"
	"tombstone/internal/infrastructure/http/v1/dto"
	"tombstone/internal/infrastructure/storage/sqlite"
	"tombstone/internal/metadata"
	"tombstone/pkg/logger"
)

const schema = `
CREATE TABLE employees (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name   TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active'
);
CREATE TABLE leave_requests (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	employee_id INTEGER NOT NULL REFERENCES employees (id),
	days        INTEGER NOT NULL
);
CREATE TABLE payroll (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	employee_id INTEGER NOT NULL REFERENCES employees (id)
);
CREATE TABLE documents (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL
);
INSERT INTO employees (id, name) VALUES (7, 'Ada'), (8, 'Grace'), (9, 'Linus');
INSERT INTO leave_requests (id, employee_id, days) VALUES (100, 7, 2), (101, 7, 5), (102, 9, 1);
INSERT INTO payroll (id, employee_id) VALUES (1, 8);
INSERT INTO documents (id, title) VALUES ('007', 'contract'), ('7', 'nda');
`

const definitions = `
[[entity]]
type = "document"
table = "documents"
key_type = "text"
display = "root.title"

[[entity]]
type = "employee"
table = "employees"
display = "root.name"

  [[entity.blocker]]
  name = "payroll"
  table = "payroll"
  foreign_key = "employee_id"
  reason = "employee has {count} payroll record(s)"

  [[entity.tier]]
  entity_type = "leave_request"
  table = "leave_requests"
  foreign_key = "employee_id"
`

type server struct {
	handler http.Handler
	db      *sqlite.DB
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.MigrateUp(db))
	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)

	registry, err := metadata.Load([]byte(definitions))
	require.NoError(t, err)

	txm := sqlite.NewTxManager(db)
	svc := cascade.NewService(cascade.ServiceConfig{
		Registry:  registry,
		TxManager: txm,
		Rows:      sqlite.NewRowStore(txm),
		Snapshots: sqlite.NewSnapshotStore(txm, codec.MustNew(codec.Config{})),
		Manifests: sqlite.NewManifestStore(txm),
		Audit:     sqlite.NewAuditStore(txm),
	})

	return &server{
		handler: v1.NewRouter(v1.RouterConfig{
			Service:  svc,
			Database: db,
			Backend:  "sqlite",
			Version:  "test",
			Logger:   logger.NewNop(),
		}),
		db: db,
	}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "hr-admin")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// bulkResult mirrors cascade.BulkResult without the restored records.
type bulkResult struct {
	Succeeded []struct {
		Item        string `json:"item"`
		DeletionKey string `json:"deletion_key"`
	} `json:"succeeded"`
	Failed []cascade.BulkFailure `json:"failed"`
}

func (s *server) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestValidation(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/cascade/entities/employee/7/validation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decode[dto.ValidationResponse](t, rec)
	assert.True(t, ok.Deletable)
	assert.Empty(t, ok.Reasons)

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/entities/employee/8/validation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blocked := decode[dto.ValidationResponse](t, rec)
	assert.False(t, blocked.Deletable)
	assert.Equal(t, []string{"employee has 1 payroll record(s)"}, blocked.Reasons)

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/entities/employee/404/validation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/entities/robot/1/validation", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_ENTITY_TYPE", decode[dto.ErrorResponse](t, rec).Code)
}

func TestDeleteAndRestore(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodDelete, "/api/v1/cascade/entities/employee/7", dto.DeleteRequest{Reason: "left the company"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[dto.ManifestResponse](t, rec)
	assert.Equal(t, "7", m.RootID)
	assert.Equal(t, "Ada", m.RootDisplayName)
	assert.Equal(t, "hr-admin", m.DeletedBy)
	assert.Equal(t, "left the company", m.Reason)
	assert.Equal(t, 2, m.DependentCount)
	assert.Equal(t, 0, s.count(t, "leave_requests WHERE employee_id = 7"))

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/manifests/"+m.DeletionKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, m.DeletionKey, decode[dto.ManifestResponse](t, rec).DeletionKey)

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/manifests?entity_type=employee&deleted_by=hr-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[dto.ListResponse[dto.ManifestResponse]](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, m.DeletionKey, list.Items[0].DeletionKey)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/manifests/"+m.DeletionKey+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restored := decode[map[string]any](t, rec)
	assert.Equal(t, "7", restored["root_id"])
	assert.Equal(t, float64(2), restored["restored_dependents"])
	assert.Equal(t, "Ada", restored["root"].(map[string]any)["name"])
	assert.Equal(t, 2, s.count(t, "leave_requests WHERE employee_id = 7"))

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/manifests/"+m.DeletionKey+"/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MANIFEST_NOT_FOUND", decode[dto.ErrorResponse](t, rec).Code)
}

func TestDelete_ZeroPaddedTextID(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodDelete, "/api/v1/cascade/entities/document/007", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[dto.ManifestResponse](t, rec)
	assert.Equal(t, "007", m.RootID)
	assert.Equal(t, "contract", m.RootDisplayName)
	assert.Equal(t, 1, s.count(t, "documents WHERE id = '7'"))

	rec = s.do(t, http.MethodGet, "/api/v1/cascade/entities/document/7/validation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[dto.ValidationResponse](t, rec).Deletable)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/manifests/"+m.DeletionKey+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.count(t, "documents WHERE id = '007'"))
}

func TestDelete_Blocked(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodDelete, "/api/v1/cascade/entities/employee/8", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[dto.ErrorResponse](t, rec)
	assert.Equal(t, "DELETION_BLOCKED", body.Code)
	assert.Equal(t, []any{"employee has 1 payroll record(s)"}, body.Details["reasons"])
	assert.Equal(t, 1, s.count(t, "employees WHERE id = 8"))
}

func TestBulkDeleteAndRestore(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/cascade/bulk-delete", map[string]any{
		"entity_type": "employee",
		"ids":         []any{7, 8, "9"},
		"reason":      "reorg",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[bulkResult](t, rec)
	require.Len(t, result.Succeeded, 2)
	assert.Equal(t, "7", result.Succeeded[0].Item)
	assert.Equal(t, "9", result.Succeeded[1].Item)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "8", result.Failed[0].Item)
	assert.Equal(t, "DELETION_BLOCKED", result.Failed[0].Code)

	keys := []string{result.Succeeded[0].DeletionKey, result.Succeeded[1].DeletionKey, "unknown"}
	rec = s.do(t, http.MethodPost, "/api/v1/cascade/bulk-restore", dto.BulkRestoreRequest{DeletionKeys: keys, Concurrency: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result = decode[bulkResult](t, rec)
	assert.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "MANIFEST_NOT_FOUND", result.Failed[0].Code)
	assert.Equal(t, 3, s.count(t, "employees"))
}

func TestBulkDelete_RejectsBadIDs(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/cascade/bulk-delete", map[string]any{
		"entity_type": "employee",
		"ids":         []any{1.5},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/bulk-delete", map[string]any{"entity_type": "employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[dto.ErrorResponse](t, rec).Code)
}

func TestPurge(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodDelete, "/api/v1/cascade/entities/employee/9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	key := decode[dto.ManifestResponse](t, rec).DeletionKey

	rec = s.do(t, http.MethodDelete, "/api/v1/cascade/manifests/"+key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dto.PurgeResponse](t, rec).Purged)
	assert.Equal(t, 0, s.count(t, "sys_cascade_snapshots"))

	rec = s.do(t, http.MethodDelete, "/api/v1/cascade/manifests/"+key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[dto.PurgeResponse](t, rec).Purged)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/manifests/"+key+"/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeExpired(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodDelete, "/api/v1/cascade/entities/employee/9", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/purge-expired", dto.PurgeExpiredRequest{MaxAge: "720h"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[dto.PurgeExpiredResponse](t, rec).Purged)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/purge-expired", dto.PurgeExpiredRequest{MaxAge: "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/cascade/purge-expired", dto.PurgeExpiredRequest{MaxAge: "-1h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
