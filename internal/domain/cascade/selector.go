package cascade

import (
	"fmt"

	"github.com/Masterminds/squirrel"
)

type selectorKind int

const (
	selectByForeignKey selectorKind = iota + 1
	selectThrough
	selectWhere
)

// Selector resolves which rows of one dependent tier belong to a root.
// It compiles to a WHERE predicate evaluated against the tier's table.
type Selector struct {
	kind       selectorKind
	foreignKey string
	rootColumn string
	parent     string
	where      func(root Record) squirrel.Sqlizer
}

// ByForeignKey selects rows whose fk column references the root's primary key.
func ByForeignKey(fk string) Selector {
	return Selector{kind: selectByForeignKey, foreignKey: fk}
}

// ByForeignKeyTo selects rows whose fk column equals the given root column.
func ByForeignKeyTo(fk, rootColumn string) Selector {
	return Selector{kind: selectByForeignKey, foreignKey: fk, rootColumn: rootColumn}
}

// Through selects rows whose fk column references a row selected by another
// tier of the same cascade, identified by that tier's table.
func Through(parentTable, fk string) Selector {
	return Selector{kind: selectThrough, foreignKey: fk, parent: parentTable}
}

// Where selects rows with an arbitrary predicate computed from the root.
func Where(fn func(root Record) squirrel.Sqlizer) Selector {
	return Selector{kind: selectWhere, where: fn}
}

// String describes the selector for logs and errors.
func (s Selector) String() string {
	switch s.kind {
	case selectByForeignKey:
		if s.rootColumn != "" {
			return fmt.Sprintf("%s = root.%s", s.foreignKey, s.rootColumn)
		}
		return fmt.Sprintf("%s = root.pk", s.foreignKey)
	case selectThrough:
		return fmt.Sprintf("%s in %s", s.foreignKey, s.parent)
	case selectWhere:
		return "custom predicate"
	default:
		return "invalid selector"
	}
}

// matchNothing is used when the referenced root value is NULL; an equality
// predicate would otherwise render as IS NULL and sweep in unrelated rows.
var matchNothing = squirrel.Expr("1 = 0")

// predicate builds the WHERE clause of tier i for the given root.
// Placeholders are left as "?" so the caller's builder can apply its own format.
func (c *Cascade) predicate(def *EntityDef, i int, root Record) (squirrel.Sqlizer, error) {
	dep := c.SnapshotOrder[i]
	sel := dep.Selector

	switch sel.kind {
	case selectByForeignKey:
		col := sel.rootColumn
		if col == "" {
			col = def.PrimaryKey
		}
		v, ok := root.Get(col)
		if !ok {
			return nil, fmt.Errorf("tier %s: root has no column %q", dep.Table, col)
		}
		if v == nil {
			return matchNothing, nil
		}
		return squirrel.Eq{sel.foreignKey: v}, nil

	case selectThrough:
		pi := c.parentIndex[i]
		parentPred, err := c.predicate(def, pi, root)
		if err != nil {
			return nil, err
		}
		parent := c.SnapshotOrder[pi]
		sub, args, err := squirrel.Select(parent.PrimaryKey).
			From(parent.Table).
			Where(parentPred).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("tier %s: build parent select: %w", dep.Table, err)
		}
		return squirrel.Expr(sel.foreignKey+" IN ("+sub+")", args...), nil

	case selectWhere:
		pred := sel.where(root)
		if pred == nil {
			return matchNothing, nil
		}
		return pred, nil

	default:
		return nil, fmt.Errorf("tier %s: invalid selector", dep.Table)
	}
}
