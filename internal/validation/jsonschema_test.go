package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

func TestNewJSONSchemaValidator_Default(t *testing.T) {
	v, err := NewJSONSchemaValidator("")
	require.NoError(t, err)
	assert.NotNil(t, v.schema)
}

func TestNewJSONSchemaValidator_Invalid(t *testing.T) {
	_, err := NewJSONSchemaValidator(`{"type": `)
	assert.Error(t, err)

	_, err = NewJSONSchemaValidator(`{"type": "nope"}`)
	assert.Error(t, err)
}

func TestValidateParams_Default(t *testing.T) {
	v, err := NewJSONSchemaValidator("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"source only", map[string]any{"source": "s3://raw/in.csv"}, false},
		{"with partition", map[string]any{
			"source":    "s3://raw",
			"partition": map[string]any{"year": "2025", "month": "01", "day": "30"},
		}, false},
		{"object created", map[string]any{"source": "s3://raw/k", "bucket": "raw", "key": "k"}, false},
		{"extra keys allowed", map[string]any{"source": "s3://raw", "dataset": "health"}, false},
		{"missing source", map[string]any{}, true},
		{"nil params", nil, true},
		{"empty source", map[string]any{"source": ""}, true},
		{"numeric source", map[string]any{"source": 42}, true},
		{"bad month", map[string]any{"source": "s3://raw", "partition": map[string]any{"month": "13"}}, true},
		{"unknown partition key", map[string]any{"source": "s3://raw", "partition": map[string]any{"hour": "01"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateParams(tt.params)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidateParams_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator("")
	require.NoError(t, err)

	err = v.ValidateParams(map[string]any{
		"source":    7,
		"partition": map[string]any{"year": "25", "day": "40"},
	})
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	violations, ok := pe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 3)
	assert.Contains(t, pe.Message, "invalid params")
}

func TestValidateParams_CustomSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator(`{
		"type": "object",
		"required": ["dataset"],
		"properties": {"dataset": {"enum": ["health", "workouts"]}}
	}`)
	require.NoError(t, err)

	assert.NoError(t, v.ValidateParams(map[string]any{"dataset": "health"}))
	assert.Error(t, v.ValidateParams(map[string]any{"dataset": "sleep"}))
	assert.Error(t, v.ValidateParams(map[string]any{"source": "s3://raw"}))
}

func TestValidateParams_Concurrent(t *testing.T) {
	v, err := NewJSONSchemaValidator("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]any{"source": "s3://raw"}
			if i%2 == 1 {
				params = map[string]any{}
			}
			err := v.ValidateParams(params)
			assert.Equal(t, i%2 == 1, err != nil)
		}(i)
	}
	wg.Wait()
}
