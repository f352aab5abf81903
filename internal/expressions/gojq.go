package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/lakeflow/pkg/schema"
)

// GoJQEngine evaluates jq expressions. Compiled code is cached and safe for
// concurrent use.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Evaluate runs expression over any JSON-decoded value and returns every output.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// FieldExtractor selects the canonical status field from a status payload.
type FieldExtractor struct {
	engine *GoJQEngine
	path   string
}

// NewFieldExtractor compiles path. An empty path selects the whole payload.
func NewFieldExtractor(engine *GoJQEngine, path string) (*FieldExtractor, error) {
	if path == "" {
		path = "."
	}
	if _, err := engine.getOrCompile(path); err != nil {
		return nil, err
	}
	return &FieldExtractor{engine: engine, path: path}, nil
}

// Extract decodes payload and returns the canonical status string together
// with the decoded payload. Strings are returned as-is; any other selected
// value is rendered as compact JSON so it can never match a status literal by
// accident. A path that selects nothing yields "".
func (f *FieldExtractor) Extract(ctx context.Context, payload json.RawMessage) (string, any, error) {
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
				"status payload is not JSON: %s", err.Error()).WithCause(err)
		}
	}

	results, err := f.engine.Evaluate(ctx, f.path, decoded)
	if err != nil {
		return "", decoded, err
	}
	if len(results) == 0 || results[0] == nil {
		return "", decoded, nil
	}
	if s, ok := results[0].(string); ok {
		return s, decoded, nil
	}
	raw, err := json.Marshal(results[0])
	if err != nil {
		return "", decoded, nil
	}
	return string(raw), decoded, nil
}
