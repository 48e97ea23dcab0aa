package cascade

import (
	"context"

	"golang.org/x/sync/errgroup"

	"tombstone/internal/core/apperror"
	"tombstone/pkg/logger"
)

// BulkOptions tunes bulk processing.
type BulkOptions struct {
	// Concurrency is the number of items processed at once. Values below 1 mean
	// sequential processing. Each item always runs in its own transaction.
	Concurrency int
}

// BulkSuccess is one item of a bulk call that completed.
type BulkSuccess struct {
	// Item is the entity id (bulk delete) or deletion key (bulk restore) as given.
	Item        string       `json:"item"`
	DeletionKey string       `json:"deletion_key"`
	Manifest    *Manifest    `json:"manifest,omitempty"`
	Restoration *Restoration `json:"restoration,omitempty"`
}

// BulkFailure is one item of a bulk call that failed, with why.
type BulkFailure struct {
	Item    string   `json:"item"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`

	// Cause is the underlying store error of a failed transaction, if any.
	Cause string `json:"cause,omitempty"`
}

// BulkResult lists succeeded and failed items, each in input order.
type BulkResult struct {
	Succeeded []BulkSuccess `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkDelete deletes every id independently; a failing item never stops the others.
func (s *Service) BulkDelete(ctx context.Context, entityType string, ids []any, reason string, opts BulkOptions) *BulkResult {
	items := make([]string, len(ids))
	for i, v := range ids {
		items[i] = FormatID(v)
	}
	return s.runBulk(ctx, "bulk delete", items, opts, func(ctx context.Context, i int) (BulkSuccess, error) {
		m, err := s.Delete(ctx, Ref{Type: entityType, ID: ids[i]}, reason)
		if err != nil {
			return BulkSuccess{}, err
		}
		return BulkSuccess{Item: items[i], DeletionKey: m.DeletionKey, Manifest: m}, nil
	})
}

// BulkRestore restores every deletion key independently.
func (s *Service) BulkRestore(ctx context.Context, deletionKeys []string, opts BulkOptions) *BulkResult {
	return s.runBulk(ctx, "bulk restore", deletionKeys, opts, func(ctx context.Context, i int) (BulkSuccess, error) {
		r, err := s.Restore(ctx, deletionKeys[i])
		if err != nil {
			return BulkSuccess{}, err
		}
		return BulkSuccess{Item: deletionKeys[i], DeletionKey: deletionKeys[i], Restoration: r}, nil
	})
}

type bulkOutcome struct {
	ok      BulkSuccess
	err     error
	settled bool
}

func (s *Service) runBulk(ctx context.Context, op string, items []string, opts BulkOptions, fn func(ctx context.Context, i int) (BulkSuccess, error)) *BulkResult {
	outcomes := make([]bulkOutcome, len(items))

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = bulkOutcome{err: err, settled: true}
				return nil
			}
			ok, err := fn(ctx, i)
			outcomes[i] = bulkOutcome{ok: ok, err: err, settled: true}
			return nil
		})
	}
	_ = g.Wait()

	res := &BulkResult{Succeeded: []BulkSuccess{}, Failed: []BulkFailure{}}
	for i, o := range outcomes {
		if o.err == nil && o.settled {
			res.Succeeded = append(res.Succeeded, o.ok)
			continue
		}
		res.Failed = append(res.Failed, bulkFailure(items[i], o.err))
	}

	logger.Info(ctx, op+" completed",
		"items", len(items),
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
	)
	return res
}

func bulkFailure(item string, err error) BulkFailure {
	f := BulkFailure{Item: item, Code: apperror.CodeInternal}
	if err == nil {
		f.Message = "not processed"
		return f
	}
	f.Message = err.Error()
	if appErr, ok := apperror.AsAppError(err); ok {
		f.Code = appErr.Code
		f.Message = appErr.Message
		f.Reasons = apperror.Reasons(err)
		if appErr.Err != nil {
			f.Cause = appErr.Err.Error()
		}
	}
	return f
}
