package diagram

import (
	"fmt"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

const startID = "__start__"

// stateSteps maps each step-running state to the step names executed in it.
var stateSteps = map[schema.State]string{
	schema.StateClean:          engine.StepClean,
	schema.StateTransform:      engine.StepTransform,
	schema.StateRefreshCatalog: engine.StepRefreshCatalog,
	schema.StateAwaitRefresh:   engine.StepRefreshStatus,
}

var graphOrder = []schema.State{
	schema.StateClean,
	schema.StateTransform,
	schema.StateRefreshCatalog,
	schema.StateAwaitRefresh,
	schema.StateSucceeded,
	schema.StateFailed,
}

// Build constructs the pipeline graph. When run is non-nil each node carries
// the run's progress; replay adds per-step durations and retry counts and
// may be nil.
func Build(p *engine.Pipeline, run *store.RunRecord, replay *store.Replay) *DiagramModel {
	model := &DiagramModel{Title: "lakeflow pipeline"}
	if run != nil {
		model.Title = fmt.Sprintf("run %s (%s)", run.ID, run.Status)
	}

	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, state := range graphOrder {
		model.Nodes = append(model.Nodes, &Node{
			ID:    string(state),
			Label: nodeLabel(p, state),
			Kind:  stateKind(state),
		})
	}

	model.Edges = buildEdges()
	model.Levels = [][]string{
		{startID},
		{string(schema.StateClean)},
		{string(schema.StateTransform)},
		{string(schema.StateRefreshCatalog)},
		{string(schema.StateAwaitRefresh)},
		{string(schema.StateSucceeded), string(schema.StateFailed)},
	}

	if run != nil {
		overlayRun(model, run, replay)
	}
	return model
}

func stateKind(state schema.State) NodeKind {
	switch state {
	case schema.StateAwaitRefresh:
		return NodeKindWait
	case schema.StateSucceeded, schema.StateFailed:
		return NodeKindEnd
	default:
		return NodeKindJob
	}
}

// nodeLabel names the state and, when known, the job it invokes.
func nodeLabel(p *engine.Pipeline, state schema.State) string {
	if p == nil {
		return string(state)
	}
	if def := p.Step(state); def != nil {
		return fmt.Sprintf("%s\n(%s)", state, def.Ref)
	}
	if state == schema.StateAwaitRefresh && p.Poll != nil {
		return fmt.Sprintf("%s\n(%s every %s)", state, p.Poll.StatusJob.Ref, p.Poll.Interval)
	}
	return string(state)
}

func buildEdges() []Edge {
	edges := []Edge{{From: startID, To: string(schema.StateClean)}}
	for _, from := range graphOrder {
		for _, to := range engine.ValidTransitions[from] {
			e := Edge{From: string(from), To: string(to)}
			switch {
			case from == to:
				e.Label = "not ready"
			case to == schema.StateFailed:
				e.Label = "error"
			case from == schema.StateAwaitRefresh:
				e.Label = "ready"
			}
			edges = append(edges, e)
		}
	}
	return edges
}

// overlayRun marks visited states completed, the current state running or
// failed, and the unreached terminal state skipped.
func overlayRun(model *DiagramModel, run *store.RunRecord, replay *store.Replay) {
	visited := visitedStates(run, replay)
	failedAt := failedState(run, replay)

	for _, node := range model.Nodes {
		if node.Kind == NodeKindStart {
			continue
		}
		state := schema.State(node.ID)
		overlay := &StatusOverlay{Status: StatusPending}

		switch {
		case state.IsTerminal() && run.State.IsTerminal():
			if state == run.State {
				overlay.Status = StatusCompleted
				if state == schema.StateFailed {
					overlay.Status = StatusFailed
					overlay.Error = run.FailureReason
				}
			} else {
				overlay.Status = StatusSkipped
			}
		case state == run.State:
			overlay.Status = StatusRunning
		case failedAt != "" && state == failedAt:
			overlay.Status = StatusFailed
			overlay.Error = run.FailureReason
		case visited[state]:
			overlay.Status = StatusCompleted
		}

		if step, ok := stateSteps[state]; ok && replay != nil {
			if sh := replay.Steps[step]; sh != nil {
				overlay.DurationMs = sh.DurationMs
				overlay.RetryCount = sh.Retries
				overlay.Attempts = sh.Attempts
			}
		}
		if state == schema.StateAwaitRefresh {
			overlay.Attempts = run.PollAttempts
		}
		node.Status = overlay
	}
}

// visitedStates returns the states the run has entered. Without a replay it
// is derived from the current state and the stored outputs.
func visitedStates(run *store.RunRecord, replay *store.Replay) map[schema.State]bool {
	visited := make(map[schema.State]bool)
	if replay != nil {
		for _, s := range replay.States {
			visited[s] = true
		}
	}
	visited[run.State] = true
	outputs := []struct {
		key   string
		state schema.State
	}{
		{engine.OutputClean, schema.StateClean},
		{engine.OutputTransform, schema.StateTransform},
		{engine.OutputRefresh, schema.StateRefreshCatalog},
		{engine.OutputRefreshStatus, schema.StateAwaitRefresh},
	}
	for _, o := range outputs {
		if _, ok := run.StepOutputs[o.key]; ok {
			visited[o.state] = true
			if next, ok := engine.NextState(o.state); ok && !next.IsTerminal() {
				visited[next] = true
			}
		}
	}
	return visited
}

// failedState returns the last non-terminal state of a failed run.
func failedState(run *store.RunRecord, replay *store.Replay) schema.State {
	if run.State != schema.StateFailed {
		return ""
	}
	if replay != nil {
		for i := len(replay.States) - 1; i >= 0; i-- {
			if s := replay.States[i]; !s.IsTerminal() {
				return s
			}
		}
	}
	visited := visitedStates(run, nil)
	last := schema.StateClean
	for _, s := range graphOrder[:4] {
		if visited[s] {
			last = s
		}
	}
	return last
}
