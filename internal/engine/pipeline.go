package engine

import (
	"fmt"
	"time"

	"github.com/rendis/lakeflow/internal/config"
	"github.com/rendis/lakeflow/internal/expressions"
	"github.com/rendis/lakeflow/internal/validation"
	"github.com/rendis/lakeflow/pkg/schema"
)

// Step names. The three job states are named after their state; the status
// job runs inside AWAIT_REFRESH.
const (
	StepClean          = "CLEAN"
	StepTransform      = "TRANSFORM"
	StepRefreshCatalog = "REFRESH_CATALOG"
	StepRefreshStatus  = "REFRESH_STATUS"
)

// Output keys under which step outputs are stored on the run record.
const (
	OutputClean         = "clean_result"
	OutputTransform     = "transform_result"
	OutputRefresh       = "refresh_result"
	OutputRefreshStatus = "refresh_status_result"
)

// Pipeline holds the static step definitions and poll spec of the fixed graph.
type Pipeline struct {
	Timeout time.Duration
	Poll    *PollSpec
	steps   map[schema.State]*StepDef
}

// Step returns the definition run in state, or nil for non-step states.
func (p *Pipeline) Step(state schema.State) *StepDef {
	return p.steps[state]
}

// Steps returns every step definition in execution order, status job last.
func (p *Pipeline) Steps() []*StepDef {
	return []*StepDef{
		p.steps[schema.StateClean],
		p.steps[schema.StateTransform],
		p.steps[schema.StateRefreshCatalog],
		p.Poll.StatusJob,
	}
}

// NewPipeline compiles the pipeline configuration: input mappings (expr),
// the status field path (jq) and the success predicate (CEL).
func NewPipeline(cfg config.PipelineConfig) (*Pipeline, error) {
	if cfg.Timeout <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline timeout must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "poll interval must be positive")
	}

	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	specs := []struct {
		state     schema.State
		name      string
		kind      schema.JobKind
		ref       string
		timeout   time.Duration
		inputsKey string
		outputKey string
	}{
		{schema.StateClean, StepClean, schema.JobKindStatelessFunction, cfg.JobRefs.Clean, cfg.StepTimeouts.Clean, "clean", OutputClean},
		{schema.StateTransform, StepTransform, schema.JobKindBulkCompute, cfg.JobRefs.Transform, cfg.StepTimeouts.Transform, "transform", OutputTransform},
		{schema.StateRefreshCatalog, StepRefreshCatalog, schema.JobKindStatelessFunction, cfg.JobRefs.RefreshCatalog, cfg.StepTimeouts.RefreshCatalog, "refresh_catalog", OutputRefresh},
	}

	p := &Pipeline{Timeout: cfg.Timeout, steps: make(map[schema.State]*StepDef, len(specs))}
	refs := make([]validation.StepInputs, 0, len(specs))
	for _, s := range specs {
		if s.ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job ref for %s is required", s.name)
		}
		fields := cfg.Inputs[s.inputsKey]
		mapper, err := expressions.NewInputMapper(exprEngine, fields)
		if err != nil {
			return nil, fmt.Errorf("input mapping for %s: %w", s.name, err)
		}
		p.steps[s.state] = &StepDef{
			Name:      s.name,
			Kind:      s.kind,
			Ref:       s.ref,
			Timeout:   s.timeout,
			Inputs:    mapper,
			OutputKey: s.outputKey,
		}
		refs = append(refs, validation.StepInputs{Step: s.name, OutputKey: s.outputKey, Inputs: fields})
	}
	if err := validation.CheckInputReferences(refs); err != nil {
		return nil, err
	}

	if cfg.JobRefs.RefreshStatus == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "job ref for %s is required", StepRefreshStatus)
	}
	field, err := expressions.NewFieldExtractor(jqEngine, cfg.StatusField)
	if err != nil {
		return nil, fmt.Errorf("status field: %w", err)
	}
	predicate, err := expressions.NewPredicate(celEngine, cfg.SuccessPredicate)
	if err != nil {
		return nil, fmt.Errorf("success predicate: %w", err)
	}
	p.Poll = &PollSpec{
		StatusJob: &StepDef{
			Name:      StepRefreshStatus,
			Kind:      schema.JobKindStatusQuery,
			Ref:       cfg.JobRefs.RefreshStatus,
			Timeout:   cfg.StepTimeouts.RefreshStatus,
			OutputKey: OutputRefreshStatus,
		},
		Field:     field,
		Predicate: predicate,
		Interval:  cfg.Interval,
	}
	return p, nil
}

// RetryPolicyFromConfig converts retry settings; the backoff factor is fixed at 2.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Factor:      2,
		MaxDelay:    cfg.MaxDelay,
	}
}
