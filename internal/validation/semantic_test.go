package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

func defaultSteps() []StepInputs {
	return []StepInputs{
		{Step: "CLEAN", OutputKey: "clean_result", Inputs: map[string]string{
			"source": "params.source", "partition": "params.partition",
		}},
		{Step: "TRANSFORM", OutputKey: "transform_result", Inputs: map[string]string{
			"source": "params.source", "clean_result": "outputs.clean_result",
		}},
		{Step: "REFRESH_CATALOG", OutputKey: "refresh_result", Inputs: map[string]string{
			"run_id": "run.id",
		}},
	}
}

func TestCheckInputReferences_Valid(t *testing.T) {
	assert.NoError(t, CheckInputReferences(defaultSteps()))
	assert.NoError(t, CheckInputReferences(nil))
}

func TestCheckInputReferences_ForwardReference(t *testing.T) {
	steps := defaultSteps()
	steps[0].Inputs["later"] = "outputs.transform_result?.rows ?? 0"

	err := CheckInputReferences(steps)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "CLEAN.inputs.later")
	assert.Contains(t, err.Error(), `"transform_result"`)
}

func TestCheckInputReferences_UnknownOutput(t *testing.T) {
	steps := defaultSteps()
	steps[2].Inputs["tables"] = "outputs.transform_result.tables"
	steps[2].Inputs["missing"] = `outputs["nope"]`

	err := CheckInputReferences(steps)
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	violations := pe.Details["violations"].([]string)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "REFRESH_CATALOG.inputs.missing")
}

func TestCheckInputReferences_ParseError(t *testing.T) {
	steps := defaultSteps()
	steps[1].Inputs["bad"] = "params.("
	steps[2].Inputs["worse"] = "outputs.unknown"

	err := CheckInputReferences(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 invalid input mappings")
}
