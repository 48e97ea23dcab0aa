package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tombstone/internal/core/apperror"
	"tombstone/pkg/logger"
)

// PurgeExpired permanently discards every deletion older than maxAge, each in
// its own transaction. It returns how many were purged; per-manifest failures
// are logged and joined into the error without stopping the sweep.
//
// This forfeits restoration and is only meant to be driven by a retention policy.
func (s *Service) PurgeExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, apperror.NewValidation("max age must be positive").WithDetail("max_age", maxAge.String())
	}

	cutoff := s.now().UTC().Add(-maxAge)
	keys, err := s.manifests.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, apperror.NewInternal(fmt.Errorf("list expired manifests: %w", err))
	}

	purged := 0
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.purge(ctx, key, true)
		switch {
		case err == nil && ok:
			purged++
		case apperror.IsManifestNotFound(err):
			// Restored or purged concurrently since the listing.
		case err != nil:
			logger.Error(ctx, "expired manifest purge failed", "deletion_key", key, "error", err)
			errs = append(errs, fmt.Errorf("purge %s: %w", key, err))
		}
	}

	logger.Info(ctx, "retention purge completed",
		"cutoff", cutoff,
		"expired", len(keys),
		"purged", purged,
	)
	return purged, errors.Join(errs...)
}
