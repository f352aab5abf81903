package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/lakeflow/pkg/schema"
)

// DefaultParamsSchema accepts a source location and an optional date partition.
const DefaultParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source"],
  "properties": {
    "source": {
      "type": "string",
      "minLength": 1
    },
    "bucket": { "type": "string" },
    "key": { "type": "string" },
    "partition": {
      "type": "object",
      "properties": {
        "year":  { "type": "string", "pattern": "^[0-9]{4}$" },
        "month": { "type": "string", "pattern": "^(0[1-9]|1[0-2])$" },
        "day":   { "type": "string", "pattern": "^(0[1-9]|[12][0-9]|3[01])$" }
      },
      "additionalProperties": false
    }
  }
}`

const paramsSchemaURL = "lakeflow://schemas/params.json"

// JSONSchemaValidator validates trigger params against a JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles schemaSrc. An empty source selects
// DefaultParamsSchema.
func NewJSONSchemaValidator(schemaSrc string) (*JSONSchemaValidator, error) {
	if strings.TrimSpace(schemaSrc) == "" {
		schemaSrc = DefaultParamsSchema
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaSrc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal params schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(paramsSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add params schema resource: %w", err)
	}
	compiled, err := c.Compile(paramsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return &JSONSchemaValidator{schema: compiled}, nil
}

// ValidateParams validates params. A nil map is validated as an empty object.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "params are not JSON serializable").WithCause(err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

var _ ParamsValidator = (*JSONSchemaValidator)(nil)

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a PipelineError
// listing every violation with its instance location.
func toPipelineError(err error) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, "invalid params: "+violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("invalid params: %d violations", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
