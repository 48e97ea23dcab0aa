package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tombstone/internal/core/tx"
	"tombstone/pkg/logger"
)

var tracer = otel.Tracer("tombstone/sqlite")

var _ tx.ReadOnlyManager = (*TxManager)(nil)

// TxManager runs functions inside database/sql transactions carried in ctx.
// Nested calls reuse the outer transaction.
type TxManager struct {
	db *sql.DB
}

// NewTxManager creates a new transaction manager.
func NewTxManager(db *DB) *TxManager {
	return &TxManager{db: db.DB}
}

type txKey struct{}

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RunInTransaction executes fn within a transaction.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, false, fn)
}

// ReadOnly executes fn in a transaction that only reads. It gives a consistent
// view without taking the write lock.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, true, fn)
}

func (m *TxManager) run(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(attribute.Bool("tx.read_only", readOnly)))
	defer span.End()

	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	// Read-only transactions begin deferred and never wait for the writer.
	sqlTx, err := m.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logger.Error(ctx, "rollback failed", "error", rbErr, "original_error", err)
		}
		span.RecordError(err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *sql.Tx {
	if t, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return t
	}
	return nil
}

// GetQuerier returns the transaction in ctx or the database itself.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t
	}
	return m.db
}
