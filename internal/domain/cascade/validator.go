package cascade

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
)

// collectReasons evaluates every blocker of the cascade against root, in order.
// It never stops at the first objection so callers can fix all issues at once.
func collectReasons(ctx context.Context, c *Cascade, r Reader, root Record) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	var reasons []string
	for _, b := range c.Blockers {
		reason, err := b.Check(ctx, r, root)
		if err != nil {
			return nil, fmt.Errorf("blocker %s: %w", b.Name, err)
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons, nil
}

// BlockIfExists objects when table has rows matching the predicate built from root.
// The reason is formatted with the number of matching rows, e.g. "has %d payroll records".
func BlockIfExists(table string, where func(root Record) squirrel.Sqlizer, reasonFormat string) BlockerFunc {
	return func(ctx context.Context, r Reader, root Record) (string, error) {
		pred := where(root)
		if pred == nil {
			return "", nil
		}
		n, err := r.Count(ctx, table, pred)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", nil
		}
		return fmt.Sprintf(reasonFormat, n), nil
	}
}

// BlockIfReferenced objects when any row of table has fk equal to the root's rootColumn.
func BlockIfReferenced(table, fk, rootColumn, reasonFormat string) BlockerFunc {
	return BlockIfExists(table, func(root Record) squirrel.Sqlizer {
		v, ok := root.Get(rootColumn)
		if !ok || v == nil {
			return nil
		}
		return squirrel.Eq{fk: v}
	}, reasonFormat)
}
