package postgres

import (
	"context"
	"fmt"

	"tombstone/internal/domain/cascade"
)

// advisoryLockSQL takes a transaction-scoped lock released on commit or rollback.
const advisoryLockSQL = "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))"

var _ cascade.Locker = (*AdvisoryLocker)(nil)

// AdvisoryLocker serialises concurrent deleters of the same root.
type AdvisoryLocker struct {
	txManager *TxManager
}

// NewAdvisoryLocker creates a locker bound to the transaction in ctx.
func NewAdvisoryLocker(txManager *TxManager) *AdvisoryLocker {
	return &AdvisoryLocker{txManager: txManager}
}

// LockEntity blocks until no other transaction holds the lock of (entityType, id).
func (l *AdvisoryLocker) LockEntity(ctx context.Context, entityType, id string) error {
	t := l.txManager.GetTx(ctx)
	if t == nil {
		return fmt.Errorf("advisory lock requires transaction context")
	}
	if _, err := t.Exec(ctx, advisoryLockSQL, lockKey(entityType, id)); err != nil {
		return fmt.Errorf("lock %s: %w", lockKey(entityType, id), err)
	}
	return nil
}

func lockKey(entityType, id string) string {
	return "tombstone:" + entityType + ":" + id
}
