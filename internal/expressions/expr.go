package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/lakeflow/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It supports nil coalescing (??),
// optional chaining (?.), pipes and the builtin collection functions.
// Compiled programs are cached and safe for concurrent use.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression with the keys of data as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile returns a cached program or compiles one using env for type inference.
func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// InputMapper computes a job input object from a run Scope. Each output field
// is an expr expression; fields evaluating to nil are omitted.
type InputMapper struct {
	engine *ExprEngine
	fields map[string]string
	keys   []string
}

// NewInputMapper compiles every field expression up front.
func NewInputMapper(engine *ExprEngine, fields map[string]string) (*InputMapper, error) {
	keys := make([]string, 0, len(fields))
	sample := (&Scope{}).Env()
	for k, src := range fields {
		if _, err := engine.getOrCompile(src, sample); err != nil {
			return nil, fieldError(k, src, err)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &InputMapper{engine: engine, fields: fields, keys: keys}, nil
}

// fieldError tags a compile failure with the input field it belongs to.
func fieldError(field, src string, err error) error {
	details := map[string]any{"field": field, "expression": src}
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "input field %q: %s", field, err.Error()).
		WithCause(err).
		WithDetails(details)
}

// Map evaluates every field against scope and returns the JSON input.
func (m *InputMapper) Map(ctx context.Context, scope *Scope) (json.RawMessage, error) {
	input := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		v, err := m.engine.Evaluate(ctx, m.fields[k], scope.Env())
		if err != nil {
			return nil, err
		}
		if v != nil {
			input[k] = v
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"job input is not serializable: %s", err.Error()).WithCause(err)
	}
	return data, nil
}
