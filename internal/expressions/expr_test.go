package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `params.source + "/clean"`, map[string]any{
		"params": map[string]any{"source": "s3://raw"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://raw/clean", out)

	out, err = e.Evaluate(ctx, `outputs.clean_result?.rows ?? 0`, map[string]any{
		"outputs": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	out, err = e.Evaluate(ctx, `filter(items, # > 1) | len()`, map[string]any{
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `params.(`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func testScope(t *testing.T, params map[string]any, outputs map[string]json.RawMessage) *Scope {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewScope("run-1", params, outputs, start, start.Add(15*time.Minute))
	require.NoError(t, err)
	return s
}

func TestInputMapper_Map(t *testing.T) {
	e := NewExprEngine()
	m, err := NewInputMapper(e, map[string]string{
		"source":    "params.source",
		"partition": "params.partition",
		"run_id":    "run.id",
	})
	require.NoError(t, err)

	input, err := m.Map(context.Background(), testScope(t, map[string]any{"source": "s3://raw/in"}, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"s3://raw/in","run_id":"run-1"}`, string(input))
}

func TestInputMapper_UsesPriorOutputs(t *testing.T) {
	m, err := NewInputMapper(NewExprEngine(), map[string]string{
		"source":       "params.source",
		"clean_result": "outputs.clean_result",
	})
	require.NoError(t, err)

	scope := testScope(t,
		map[string]any{"source": "s3://raw"},
		map[string]json.RawMessage{"clean_result": json.RawMessage(`{"rows":10}`)},
	)
	input, err := m.Map(context.Background(), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"s3://raw","clean_result":{"rows":10}}`, string(input))
}

func TestInputMapper_Empty(t *testing.T) {
	m, err := NewInputMapper(NewExprEngine(), nil)
	require.NoError(t, err)

	input, err := m.Map(context.Background(), &Scope{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(input))
}

func TestNewInputMapper_CompileError(t *testing.T) {
	_, err := NewInputMapper(NewExprEngine(), map[string]string{"bad": "params.("})
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Details["field"])
}

func TestFieldError_WrapsForeignErrors(t *testing.T) {
	cause := errors.New("program cache unavailable")
	err := fieldError("source", "params.source", cause)

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeValidation, pe.Code)
	assert.Equal(t, "source", pe.Details["field"])
	assert.ErrorIs(t, err, cause)
}

func TestFieldError_KeepsWrappedPipelineError(t *testing.T) {
	inner := schema.NewError(schema.ErrCodeValidation, "expr compile error")
	err := fieldError("source", "params.(", fmt.Errorf("compile: %w", inner))

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Same(t, inner, pe)
	assert.Equal(t, "params.(", pe.Details["expression"])
}
