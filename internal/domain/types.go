package domain

import "time"

// Task run statuses.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusError   = "error"
)

// Log actions, one per state transition.
const (
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionError     = "error"
	ActionTimeout   = "timeout"
	ActionPaused    = "paused"
	ActionResumed   = "resumed"
)

// TaskDefinition describes one recurring unit of work. Definitions are
// immutable once loaded; changes require a config reload.
type TaskDefinition struct {
	ID              string
	Name            string
	Executable      string
	Args            []string
	IntervalMinutes int
	Enabled         bool
	Priority        int    // lower runs first
	TimeoutSeconds  int    // 0 means the engine default
	Cron            string // optional, overrides interval-based next_run
}

// Interval returns the minimum spacing between runs.
func (d TaskDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalMinutes) * time.Minute
}

// TaskRunState is the persisted execution state for one TaskDefinition.
// Exactly one row exists per registered definition.
type TaskRunState struct {
	TaskID     string
	Status     string
	LastRun    *time.Time
	NextRun    time.Time
	RunCount   int
	ErrorCount int
	LastError  *string
	Checkpoint []byte // opaque, owned by the task
	UpdatedAt  time.Time
}

// LogEntry is one append-only execution log record.
type LogEntry struct {
	ID        string
	TaskID    string
	Timestamp time.Time
	Action    string
	Message   string
	Duration  *time.Duration
}

// ExecutionResult is what the execution engine reports for a single run.
type ExecutionResult struct {
	Success  bool
	TimedOut bool
	Duration time.Duration
	Stdout   string // truncated excerpt
	Stderr   string // truncated excerpt
	Err      error
}
