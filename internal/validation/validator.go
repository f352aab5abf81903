package validation

// ParamsValidator checks trigger parameters before a run is created.
type ParamsValidator interface {
	ValidateParams(params map[string]any) error
}
