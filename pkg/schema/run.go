package schema

// State is a node of the fixed pipeline graph.
type State string

const (
	StateClean          State = "CLEAN"
	StateTransform      State = "TRANSFORM"
	StateRefreshCatalog State = "REFRESH_CATALOG"
	StateAwaitRefresh   State = "AWAIT_REFRESH"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
)

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status has left RUNNING.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// JobKind selects the backend family a step is dispatched to.
type JobKind string

const (
	JobKindStatelessFunction JobKind = "STATELESS_FUNCTION"
	JobKindBulkCompute       JobKind = "BULK_COMPUTE"
	JobKindStatusQuery       JobKind = "STATUS_QUERY"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindStatelessFunction, JobKindBulkCompute, JobKindStatusQuery:
		return true
	}
	return false
}

// Reasons recorded on failed runs.
const (
	ReasonRefreshTimedOut  = "refresh confirmation timed out"
	ReasonCancelled        = "cancelled"
	ReasonDeadlineExceeded = "run deadline exceeded"
)
