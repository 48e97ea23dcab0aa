package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// copyFrom bulk inserts rows with the COPY protocol inside the current
// transaction. Much faster than individual INSERTs for large cascades.
func (m *TxManager) copyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	t := m.GetTx(ctx)
	if t == nil {
		return 0, fmt.Errorf("copy into %s requires transaction context", table)
	}
	return t.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

// sendBatch executes queued statements in one round-trip inside the current transaction.
func (m *TxManager) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	t := m.GetTx(ctx)
	if t == nil {
		return fmt.Errorf("batch requires transaction context")
	}
	results := t.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}
