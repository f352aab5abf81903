package schema

// Event type constants for the run history log.
const (
	EventRunCreated   = "run_created"
	EventRunResumed   = "run_resumed"
	EventStateEntered = "state_entered"

	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunTimedOut  = "run_timed_out"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepRetrying  = "step_retrying"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventPollAttempt = "poll_attempt"

	EventCircuitOpened = "circuit_opened"
)
