package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/lakeflow/pkg/schema"
)

// RunRecord is the persisted execution context of one pipeline run.
type RunRecord struct {
	ID            string                     `json:"run_id"`
	State         schema.State               `json:"current_state"`
	Status        schema.RunStatus           `json:"status"`
	Trigger       string                     `json:"trigger,omitempty"`
	Params        map[string]any             `json:"params,omitempty"`
	StepOutputs   map[string]json.RawMessage `json:"step_outputs,omitempty"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	PollAttempts  int                        `json:"poll_attempts"`
	Version       int64                      `json:"version"`
	StartedAt     time.Time                  `json:"started_at"`
	DeadlineAt    time.Time                  `json:"deadline_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
	ArchivedAt    *time.Time                 `json:"archived_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Params != nil {
		cp.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			cp.Params[k] = v
		}
	}
	if r.StepOutputs != nil {
		cp.StepOutputs = make(map[string]json.RawMessage, len(r.StepOutputs))
		for k, v := range r.StepOutputs {
			cp.StepOutputs[k] = append(json.RawMessage(nil), v...)
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

// Event is an append-only history entry for a run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Step      string          `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trigger is a cron-driven source of pipeline runs.
type Trigger struct {
	ID             string         `json:"id"`
	CronExpression string         `json:"cron_expression"`
	Params         map[string]any `json:"params,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *schema.RunStatus `json:"status,omitempty"`
	Trigger string            `json:"trigger,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// Match reports whether r satisfies the filter's predicates (ignores paging).
func (f RunFilter) Match(r *RunRecord) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Trigger != "" && r.Trigger != f.Trigger {
		return false
	}
	if f.Since != nil && r.StartedAt.Before(*f.Since) {
		return false
	}
	return true
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// Apply copies the set fields of u onto t.
func (u TriggerUpdate) Apply(t *Trigger) {
	if u.Enabled != nil {
		t.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		ts := *u.LastRunAt
		t.LastRunAt = &ts
	}
	if u.NextRunAt != nil {
		ts := *u.NextRunAt
		t.NextRunAt = &ts
	}
	if u.LastRunID != "" {
		t.LastRunID = u.LastRunID
	}
	if u.LastRunStatus != "" {
		t.LastRunStatus = u.LastRunStatus
	}
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
