package engine

import "time"

// Priority orders executions in the ready heap; higher values preempt
// lower ones for the next free worker slot.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Status is the lifecycle state of a TaskExecution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusPreparing Status = "PREPARING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRetrying  Status = "RETRYING"
	StatusTimeout   Status = "TIMEOUT"
)

// terminalStatuses are the statuses for which completed_at is set and
// from which an execution is never re-enqueued.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether status is a terminal lifecycle state.
func IsTerminal(s Status) bool { return terminalStatuses[s] }

// RetryStrategy selects the delay formula the Retry Controller applies.
type RetryStrategy string

const (
	RetryNone                RetryStrategy = "NONE"
	RetryImmediate            RetryStrategy = "IMMEDIATE"
	RetryFixedDelay           RetryStrategy = "FIXED_DELAY"
	RetryExponentialBackoff   RetryStrategy = "EXPONENTIAL_BACKOFF"
	RetryFibonacciBackoff     RetryStrategy = "FIBONACCI_BACKOFF"
)

// StatusTransition is one append-only entry in a TaskExecution's history.
type StatusTransition struct {
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previous_status"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// TaskExecution is the central entity the Execution Registry owns.
type TaskExecution struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`

	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	WorkflowType   string         `json:"workflow_type"`
	WorkflowParams map[string]any `json:"workflow_params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`

	RetryStrategy     RetryStrategy `json:"retry_strategy"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelaySeconds int           `json:"retry_delay_seconds"`
	RetryCount        int           `json:"retry_count"`

	Dependencies []string `json:"dependencies,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Status Status `json:"status"`

	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	StatusHistory []StatusTransition `json:"status_history"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// CanExecute reports whether this execution may still be dispatched: it
// has not reached a terminal state and is not paused indefinitely.
func (e *TaskExecution) CanExecute() bool {
	return !IsTerminal(e.Status) && e.Status != StatusPaused
}

// Clone returns a deep-enough copy for safe handoff outside the
// registry's lock (slices/maps are copied one level deep).
func (e *TaskExecution) Clone() *TaskExecution {
	c := *e
	if e.Dependencies != nil {
		c.Dependencies = append([]string(nil), e.Dependencies...)
	}
	if e.WorkflowParams != nil {
		c.WorkflowParams = cloneMap(e.WorkflowParams)
	}
	if e.Result != nil {
		c.Result = cloneMap(e.Result)
	}
	if e.Metadata != nil {
		c.Metadata = cloneMap(e.Metadata)
	}
	if e.StatusHistory != nil {
		c.StatusHistory = append([]StatusTransition(nil), e.StatusHistory...)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Spec is the input to Create: everything a caller may specify when
// scheduling a task.
type Spec struct {
	TaskID            string
	WorkflowType      string
	Priority          Priority
	WorkflowParams    map[string]any
	RetryStrategy     RetryStrategy
	MaxRetries        int
	RetryDelaySeconds int
	TimeoutSeconds    int
	Dependencies      []string
	ScheduledTime     *time.Time
	Metadata          map[string]any
}

// WithDefaults fills zero-valued optional fields per §3 defaults.
func (s Spec) WithDefaults() Spec {
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryDelaySeconds == 0 {
		s.RetryDelaySeconds = 5
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 3600
	}
	if s.RetryStrategy == "" {
		s.RetryStrategy = RetryNone
	}
	return s
}
