package bus

// Execution event topics. Every appended TaskEvent is republished under
// TopicExecutionEvent with the eventlog.Event value as payload.
const (
	TopicExecutionEvent    = "execution.event"
	TopicExecutionFinished = "execution.finished"
)

// Scheduler topics.
const (
	TopicTaskChanged = "task.changed"
	TopicTaskSkipped = "task.skipped"
)

// Approval topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// Router topics.
const (
	TopicProfileHealth = "profile.health"
)

// TaskChanged is published when a background task's status changes.
type TaskChanged struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskSkipped is published when a due trigger is dropped because a run is
// already in flight.
type TaskSkipped struct {
	TaskID  string
	Trigger string
	Reason  string
}

// ExecutionFinished is published once an execution reaches a terminal state.
type ExecutionFinished struct {
	ExecutionID       string
	TaskID            string
	Status            string
	TerminationReason string
	Error             string
	Iterations        int
	DurationMillis    int64
	CostUSD           float64
}

// ApprovalResolved is published when an approval request leaves pending.
type ApprovalResolved struct {
	RequestID   string
	ExecutionID string
	Command     string
	Status      string
	Reason      string
}

// ProfileHealthChanged is published when the router moves a profile between
// health states.
type ProfileHealthChanged struct {
	ProfileID string
	Provider  string
	From      string
	To        string
	Reason    string
}
