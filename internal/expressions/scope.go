package expressions

import (
	"encoding/json"
	"time"

	"github.com/rendis/lakeflow/pkg/schema"
)

// Scope is the read-only view of a run that input mappings evaluate against.
// All data is deep-copied on construction so mappings cannot mutate the run.
type Scope struct {
	Params  map[string]any // trigger parameters
	Outputs map[string]any // step output key -> decoded payload
	Run     map[string]any // run metadata: id, started_at, deadline_at
}

// NewScope builds a Scope from run fields. Step outputs are decoded from JSON.
func NewScope(runID string, params map[string]any, outputs map[string]json.RawMessage, startedAt, deadlineAt time.Time) (*Scope, error) {
	decoded := make(map[string]any, len(outputs))
	for key, raw := range outputs {
		if len(raw) == 0 {
			decoded[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot decode step output %q: %s", key, err.Error()).WithCause(err)
		}
		decoded[key] = v
	}
	return &Scope{
		Params:  deepCopyMap(params),
		Outputs: decoded,
		Run: map[string]any{
			"id":          runID,
			"started_at":  startedAt.UTC().Format(time.RFC3339),
			"deadline_at": deadlineAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Env returns a fresh evaluation environment. Missing sections are empty maps.
func (s *Scope) Env() map[string]any {
	return map[string]any{
		"params":  orEmpty(deepCopyMap(s.Params)),
		"outputs": orEmpty(deepCopyMap(s.Outputs)),
		"run":     orEmpty(deepCopyMap(s.Run)),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; primitives are values.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
