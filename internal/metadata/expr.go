package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tombstone/internal/domain/cascade"
)

// expr is a compiled CEL program evaluated against a root record.
//
// Variables:
//
//	root  map(string, dyn)  the root's columns
//	count int               rows matched by a counting blocker, 0 otherwise
type expr struct {
	source string
	prg    cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("root", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("count", cel.IntType),
	)
}

func compileExpr(env *cel.Env, source string) (*expr, error) {
	ast, iss := env.Compile(source)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", source, err)
	}
	return &expr{source: source, prg: prg}, nil
}

func (e *expr) eval(root cascade.Record, count int64) (any, error) {
	out, _, err := e.prg.Eval(map[string]any{
		"root":  celRoot(root),
		"count": count,
	})
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.source, err)
	}
	return out.Value(), nil
}

func (e *expr) evalBool(root cascade.Record, count int64) (bool, error) {
	v, err := e.eval(root, count)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: want bool, got %T", e.source, v)
	}
	return b, nil
}

func (e *expr) evalString(root cascade.Record, count int64) (string, error) {
	v, err := e.eval(root, count)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("eval %q: want string, got %T", e.source, v)
	}
	return s, nil
}

// celRoot converts a record into values CEL understands natively.
// Decimals, uuids and JSON become strings.
func celRoot(root cascade.Record) map[string]any {
	m := make(map[string]any, len(root))
	for _, f := range root {
		switch v := f.Value.(type) {
		case decimal.Decimal:
			m[f.Column] = v.String()
		case uuid.UUID:
			m[f.Column] = v.String()
		case json.RawMessage:
			m[f.Column] = string(v)
		default:
			m[f.Column] = v
		}
	}
	return m
}
