package cascade

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
)

// Reader is the read-only view of the live store handed to blockers.
type Reader interface {
	Select(ctx context.Context, table string, where squirrel.Sqlizer, orderBy ...string) ([]Record, error)
	Count(ctx context.Context, table string, where squirrel.Sqlizer) (int64, error)
}

// BlockerFunc returns a non-empty reason when the root must not be deleted.
// Blockers must not mutate state.
type BlockerFunc func(ctx context.Context, r Reader, root Record) (string, error)

// Blocker is a named deletion precondition.
type Blocker struct {
	Name  string
	Check BlockerFunc
}

// Dependent is one tier of a cascade: the rows of Table matched by Selector.
type Dependent struct {
	EntityType string
	Table      string
	PrimaryKey string
	Selector   Selector
	OrderBy    []string
}

// Cascade is the per-entity-type configuration consumed by the engine.
//
// SnapshotOrder must be a topological order of the dependency graph with the
// most deeply nested tiers first and the root's direct children last. The root
// itself is implicit and always processed after every tier.
type Cascade struct {
	Blockers      []Blocker
	SnapshotOrder []Dependent

	// parentIndex maps a Through tier to the index of its parent tier.
	parentIndex map[int]int
}

// KeyType is the declared type of an entity's primary key.
type KeyType string

const (
	// KeyAuto binds ids as given.
	KeyAuto    KeyType = ""
	KeyInteger KeyType = "integer"
	KeyText    KeyType = "text"
)

// EntityDef locates an entity type in the store and attaches its optional cascade.
type EntityDef struct {
	Type        string
	Table       string
	PrimaryKey  string
	KeyType     KeyType
	DisplayName func(root Record) string
	Cascade     *Cascade
}

// Key converts id to the declared key type. It reports false when id can not
// be a key of the entity, such as "abc" for an integer key.
func (d *EntityDef) Key(id any) (any, bool) {
	switch d.KeyType {
	case KeyText:
		return FormatID(id), true
	case KeyInteger:
		switch v := id.(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case int32:
			return int64(v), true
		}
		n, err := strconv.ParseInt(FormatID(id), 10, 64)
		return n, err == nil
	}
	return id, true
}

// Display computes the human-readable label captured into manifests.
func (d *EntityDef) Display(root Record) string {
	if d.DisplayName != nil {
		if name := strings.TrimSpace(d.DisplayName(root)); name != "" {
			return name
		}
	}
	v, _ := root.Get(d.PrimaryKey)
	return d.Type + "#" + FormatID(v)
}

// Registry maps entity type identifiers to their definitions.
// It is populated once at startup and read concurrently afterwards.
type Registry struct {
	entities map[string]*EntityDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityDef)}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether s is safe to splice into SQL as a table or column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Register validates and stores a definition. Primary keys default to "id".
func (r *Registry) Register(def EntityDef) error {
	if def.Type == "" {
		return fmt.Errorf("entity definition: type is required")
	}
	if _, exists := r.entities[def.Type]; exists {
		return fmt.Errorf("entity %s: already registered", def.Type)
	}
	if def.PrimaryKey == "" {
		def.PrimaryKey = "id"
	}
	if !ValidIdentifier(def.Table) || !ValidIdentifier(def.PrimaryKey) {
		return fmt.Errorf("entity %s: invalid table %q or primary key %q", def.Type, def.Table, def.PrimaryKey)
	}
	switch def.KeyType {
	case KeyAuto, KeyInteger, KeyText:
	default:
		return fmt.Errorf("entity %s: unknown key type %q", def.Type, def.KeyType)
	}
	if def.Cascade != nil {
		c, err := compileCascade(def)
		if err != nil {
			return err
		}
		def.Cascade = c
	}
	r.entities[def.Type] = &def
	return nil
}

// MustRegister is Register for static configuration; it panics on error.
func (r *Registry) MustRegister(def EntityDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition of an entity type.
func (r *Registry) Lookup(entityType string) (*EntityDef, bool) {
	d, ok := r.entities[entityType]
	return d, ok
}

// List returns definitions sorted by type.
func (r *Registry) List() []*EntityDef {
	list := make([]*EntityDef, 0, len(r.entities))
	for _, def := range r.entities {
		list = append(list, def)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	return list
}

func compileCascade(def EntityDef) (*Cascade, error) {
	src := def.Cascade
	c := &Cascade{
		Blockers:      append([]Blocker(nil), src.Blockers...),
		SnapshotOrder: make([]Dependent, len(src.SnapshotOrder)),
		parentIndex:   make(map[int]int),
	}

	for i, b := range c.Blockers {
		if b.Check == nil {
			return nil, fmt.Errorf("entity %s: blocker %d (%s) has no check", def.Type, i, b.Name)
		}
	}

	tierByTable := make(map[string]int, len(src.SnapshotOrder))
	for i, dep := range src.SnapshotOrder {
		if dep.PrimaryKey == "" {
			dep.PrimaryKey = "id"
		}
		if dep.EntityType == "" {
			dep.EntityType = dep.Table
		}
		if !ValidIdentifier(dep.Table) || !ValidIdentifier(dep.PrimaryKey) {
			return nil, fmt.Errorf("entity %s: tier %d: invalid table %q or primary key %q", def.Type, i, dep.Table, dep.PrimaryKey)
		}
		for _, col := range dep.OrderBy {
			if !ValidIdentifier(strings.TrimSuffix(strings.TrimSuffix(col, " DESC"), " ASC")) {
				return nil, fmt.Errorf("entity %s: tier %s: invalid order_by %q", def.Type, dep.Table, col)
			}
		}
		if err := checkSelector(dep.Selector); err != nil {
			return nil, fmt.Errorf("entity %s: tier %s: %w", def.Type, dep.Table, err)
		}
		c.SnapshotOrder[i] = dep
		if _, seen := tierByTable[dep.Table]; !seen {
			tierByTable[dep.Table] = i
		}
	}

	for i, dep := range c.SnapshotOrder {
		if dep.Selector.kind != selectThrough {
			continue
		}
		// The latest tier using the parent table is the one closest to the root.
		pi := -1
		for j := len(c.SnapshotOrder) - 1; j > i; j-- {
			if c.SnapshotOrder[j].Table == dep.Selector.parent {
				pi = j
				break
			}
		}
		if pi < 0 {
			if _, exists := tierByTable[dep.Selector.parent]; exists {
				return nil, fmt.Errorf("entity %s: tier %s must precede its parent tier %s", def.Type, dep.Table, dep.Selector.parent)
			}
			return nil, fmt.Errorf("entity %s: tier %s references unknown parent tier %s", def.Type, dep.Table, dep.Selector.parent)
		}
		c.parentIndex[i] = pi
	}

	return c, nil
}

func checkSelector(s Selector) error {
	switch s.kind {
	case selectByForeignKey:
		if !ValidIdentifier(s.foreignKey) {
			return fmt.Errorf("invalid foreign key %q", s.foreignKey)
		}
		if s.rootColumn != "" && !ValidIdentifier(s.rootColumn) {
			return fmt.Errorf("invalid root column %q", s.rootColumn)
		}
	case selectThrough:
		if !ValidIdentifier(s.foreignKey) || !ValidIdentifier(s.parent) {
			return fmt.Errorf("invalid through selector %q in %q", s.foreignKey, s.parent)
		}
	case selectWhere:
		if s.where == nil {
			return fmt.Errorf("where selector has no predicate")
		}
	default:
		return fmt.Errorf("selector is not set")
	}
	return nil
}
