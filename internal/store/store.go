package store

import (
	"context"

	"github.com/rendis/lakeflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *RunRecord) error
	// SaveRun persists run if its Version matches the stored one and the stored
	// record is still RUNNING. On success run.Version is incremented.
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// Event history (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Scheduled triggers
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func runConflict(id string, want int64) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"run %q was modified concurrently or is already terminal (expected version %d)", id, want).
		WithDetails(map[string]any{"run_id": id, "expected_version": want})
}

func duplicateRun(id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", id)
}

// paginate applies offset/limit to an already ordered slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
