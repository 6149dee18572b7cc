// Package queue implements the command queue engine: a durable, priority-ordered
// work item store with an atomic-claim scheduler, a bounded worker pool, and a
// retry controller with exponential backoff. Work items are either registered
// commands (AI recognition, scraping, maintenance) or bulk operations against a
// named record set.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a work item
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority determines claim order among eligible work items; higher runs first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 10
	PriorityHigh     Priority = 20
	PriorityCritical Priority = 30
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch {
	case p >= PriorityCritical:
		return "Critical"
	case p >= PriorityHigh:
		return "High"
	case p >= PriorityMedium:
		return "Medium"
	default:
		return "Low"
	}
}

// ParsePriority maps a case-insensitive priority name to its level.
// Unknown or empty names map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// BulkOperation is the operation type of a bulk work item.
type BulkOperation string

const (
	BulkImport BulkOperation = "import"
	BulkExport BulkOperation = "export"
	BulkUpdate BulkOperation = "update"
	BulkDelete BulkOperation = "delete"
)

// Valid reports whether the operation is one of the supported bulk operations.
func (op BulkOperation) Valid() bool {
	switch op {
	case BulkImport, BulkExport, BulkUpdate, BulkDelete:
		return true
	}
	return false
}

// CommandDefinition is a registry entry describing an executable command.
// Definitions are populated by configuration and never mutated by the engine.
type CommandDefinition struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// WorkItem is a single queued unit of execution: a command run or a bulk
// operation. Bulk items carry a target table + operation instead of a command
// reference, plus running progress counters.
type WorkItem struct {
	ID          string        `json:"id"`
	CommandID   string        `json:"command_id,omitempty"`
	TargetTable string        `json:"target_table,omitempty"`
	Operation   BulkOperation `json:"operation,omitempty"`

	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Input  map[string]interface{} `json:"input,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`

	TotalRecords     int `json:"total_records"`
	ProcessedRecords int `json:"processed_records"`
	FailedRecords    int `json:"failed_records"`

	CancelRequested bool `json:"cancel_requested,omitempty"`
	PauseRequested  bool `json:"pause_requested,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	ExecutionStartedAt   *time.Time `json:"execution_started_at,omitempty"`
	ExecutionCompletedAt *time.Time `json:"execution_completed_at,omitempty"`
}

// IsBulk reports whether this item is a bulk operation.
func (w *WorkItem) IsBulk() bool {
	return w.Operation != ""
}

// Duration returns the execution duration, or 0 if the item never ran to a
// terminal state.
func (w *WorkItem) Duration() time.Duration {
	if w.ExecutionStartedAt == nil || w.ExecutionCompletedAt == nil {
		return 0
	}
	return w.ExecutionCompletedAt.Sub(*w.ExecutionStartedAt)
}

// ErrUnknownCommand is returned when a work item references a command that is
// not registered or has been deactivated. It is never retried.
var ErrUnknownCommand = errors.New("unknown or inactive command")

// ErrStaleTransition is returned when a conditional state transition found the
// item in an unexpected status (e.g. a concurrent cancel won the race).
var ErrStaleTransition = errors.New("work item not in expected status")

// ErrNotFound is returned when a work item does not exist.
var ErrNotFound = errors.New("work item not found")

// nonRetryableError marks a handler error that must not be retried.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps a handler error so the retry controller fails the item
// immediately regardless of remaining retry budget (e.g. malformed input).
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// NonRetryablef is a convenience for NonRetryable(fmt.Errorf(...)).
func NonRetryablef(format string, args ...interface{}) error {
	return NonRetryable(fmt.Errorf(format, args...))
}

// IsNonRetryable reports whether the error is marked non-retryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
