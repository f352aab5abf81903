package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/lakeflow/pkg/schema"
)

// CELEngine evaluates CEL expressions over a status check result.
// The environment exposes:
//   - status:  string, the canonical status field
//   - payload: dyn, the full decoded status payload
//
// Compiled programs are cached and safe for concurrent use.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with the status environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs expression against data. Missing variables default to ""
// for status and null for payload.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.getOrCompile(expression, false)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{"status": "", "payload": nil}
	if v, ok := data["status"].(string); ok {
		activation["status"] = v
	}
	if v, ok := data["payload"]; ok {
		activation["payload"] = v
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// getOrCompile returns a cached program or compiles one. When requireBool is
// set, expressions whose static type is neither bool nor dyn are rejected.
func (e *CELEngine) getOrCompile(expression string, requireBool bool) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok && !requireBool {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if requireBool {
		out := ast.OutputType()
		if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"predicate %q must evaluate to bool, got %s", expression, out.String()).
				WithDetails(map[string]any{"expression": expression})
		}
	}
	if ok {
		return prg, nil
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// Predicate is a compiled success predicate over a status check result.
type Predicate struct {
	engine     *CELEngine
	expression string
}

// NewPredicate compiles expression and rejects non-boolean predicates.
func NewPredicate(engine *CELEngine, expression string) (*Predicate, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty success predicate")
	}
	if _, err := engine.getOrCompile(expression, true); err != nil {
		return nil, err
	}
	return &Predicate{engine: engine, expression: expression}, nil
}

// String returns the predicate source.
func (p *Predicate) String() string { return p.expression }

// Eval reports whether the status satisfies the predicate. A non-bool result
// is an error.
func (p *Predicate) Eval(ctx context.Context, status string, payload any) (bool, error) {
	out, err := p.engine.Evaluate(ctx, p.expression, map[string]any{"status": status, "payload": payload})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate %q returned %T, want bool", p.expression, out)
	}
	return b, nil
}
