package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/squirrel"
	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"

	"tombstone/internal/domain/cascade"
)

const defaultWhen = "count > 0"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return cascade.ValidIdentifier(fl.Field().String())
	})
	return v
}

// LoadFile reads a TOML configuration file into a new registry.
func LoadFile(path string) (*cascade.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade config: %w", err)
	}
	reg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Load parses a TOML configuration into a new registry.
func Load(data []byte) (*cascade.Registry, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	reg := cascade.NewRegistry()
	if err := f.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Parse decodes and validates a configuration. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("decode cascade config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("decode cascade config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("validate cascade config: %w", err)
	}
	return &f, nil
}

// Register compiles every entity of the file into reg.
func (f *File) Register(reg *cascade.Registry) error {
	env, err := newEnv()
	if err != nil {
		return fmt.Errorf("cel environment: %w", err)
	}
	var errs []error
	for _, e := range f.Entities {
		def, err := e.compile(env)
		if err == nil {
			err = reg.Register(def)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", e.Type, err))
		}
	}
	return errors.Join(errs...)
}

func (e EntityDef) compile(env *cel.Env) (cascade.EntityDef, error) {
	def := cascade.EntityDef{
		Type:       e.Type,
		Table:      e.Table,
		PrimaryKey: e.PrimaryKey,
		KeyType:    cascade.KeyType(e.KeyType),
	}
	if def.PrimaryKey == "" {
		def.PrimaryKey = "id"
	}

	if e.Display != "" {
		display, err := compileExpr(env, e.Display)
		if err != nil {
			return def, fmt.Errorf("display: %w", err)
		}
		// A failing display expression falls back to "type#id".
		def.DisplayName = func(root cascade.Record) string {
			s, _ := display.evalString(root, 0)
			return s
		}
	}

	if len(e.Blockers) == 0 && len(e.Tiers) == 0 {
		return def, nil
	}

	c := &cascade.Cascade{}
	for _, b := range e.Blockers {
		blocker, err := b.compile(env, def.PrimaryKey)
		if err != nil {
			return def, fmt.Errorf("blocker %s: %w", b.Name, err)
		}
		c.Blockers = append(c.Blockers, blocker)
	}
	for _, t := range e.Tiers {
		dep, err := t.compile(def.PrimaryKey)
		if err != nil {
			return def, fmt.Errorf("tier %s: %w", t.Table, err)
		}
		c.SnapshotOrder = append(c.SnapshotOrder, dep)
	}
	def.Cascade = c
	return def, nil
}

func (b BlockerDef) compile(env *cel.Env, rootPK string) (cascade.Blocker, error) {
	if err := checkFilter(b.Filter); err != nil {
		return cascade.Blocker{}, err
	}

	src := b.When
	if src == "" {
		if b.Table == "" {
			return cascade.Blocker{}, errors.New("when is required for a blocker without table")
		}
		src = defaultWhen
	}
	when, err := compileExpr(env, src)
	if err != nil {
		return cascade.Blocker{}, fmt.Errorf("when: %w", err)
	}

	var message *expr
	if b.Message != "" {
		if message, err = compileExpr(env, b.Message); err != nil {
			return cascade.Blocker{}, fmt.Errorf("message: %w", err)
		}
	}

	rootColumn := b.RootColumn
	if rootColumn == "" {
		rootColumn = rootPK
	}

	check := func(ctx context.Context, r cascade.Reader, root cascade.Record) (string, error) {
		var count int64
		if b.Table != "" {
			v, ok := root.Get(rootColumn)
			if !ok {
				return "", fmt.Errorf("root has no column %q", rootColumn)
			}
			if v != nil {
				n, err := r.Count(ctx, b.Table, match(b.ForeignKey, v, b.Filter))
				if err != nil {
					return "", err
				}
				count = n
			}
		}

		blocked, err := when.evalBool(root, count)
		if err != nil || !blocked {
			return "", err
		}
		if message != nil {
			return message.evalString(root, count)
		}
		return strings.ReplaceAll(b.Reason, "{count}", strconv.FormatInt(count, 10)), nil
	}
	return cascade.Blocker{Name: b.Name, Check: check}, nil
}

func (t TierDef) compile(rootPK string) (cascade.Dependent, error) {
	dep := cascade.Dependent{
		EntityType: t.EntityType,
		Table:      t.Table,
		PrimaryKey: t.PrimaryKey,
		OrderBy:    t.OrderBy,
	}
	if err := checkFilter(t.Filter); err != nil {
		return dep, err
	}

	switch {
	case t.Through != "":
		if len(t.Filter) > 0 {
			return dep, errors.New("filter cannot be combined with through")
		}
		dep.Selector = cascade.Through(t.Through, t.ForeignKey)
	case len(t.Filter) > 0:
		rootColumn := t.RootColumn
		if rootColumn == "" {
			rootColumn = rootPK
		}
		fk, filter := t.ForeignKey, t.Filter
		dep.Selector = cascade.Where(func(root cascade.Record) squirrel.Sqlizer {
			v, _ := root.Get(rootColumn)
			if v == nil {
				return nil
			}
			return match(fk, v, filter)
		})
	case t.RootColumn != "":
		dep.Selector = cascade.ByForeignKeyTo(t.ForeignKey, t.RootColumn)
	default:
		dep.Selector = cascade.ByForeignKey(t.ForeignKey)
	}
	return dep, nil
}

func match(fk string, v any, filter map[string]any) squirrel.Sqlizer {
	if len(filter) == 0 {
		return squirrel.Eq{fk: v}
	}
	return squirrel.And{squirrel.Eq{fk: v}, squirrel.Eq(filter)}
}

func checkFilter(filter map[string]any) error {
	for col, v := range filter {
		if !cascade.ValidIdentifier(col) {
			return fmt.Errorf("filter: invalid column %q", col)
		}
		switch v.(type) {
		case string, int64, float64, bool:
		default:
			return fmt.Errorf("filter %s: unsupported value %T", col, v)
		}
	}
	return nil
}
