package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransition reports whether moving from s to next is legal.
// pending→failed is reserved for cancellation and scheduled preflight
// rejection.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed
	default:
		return false
	}
}

// Failure reasons persisted verbatim.
const (
	ReasonCancelledDisabled = "cancelled: disabled"
	ReasonTimeout           = "timeout"
	ReasonOutputTooLarge    = "output too large"
)

// Execution is a single unit of plugin work.
type Execution struct {
	ID          string
	ScheduleID  string
	Plugin      string
	Operation   string
	OperatorKey string
	UserID      string
	Params      json.RawMessage
	Result      json.RawMessage
	Status      ExecutionStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Duration returns the wall time between start and completion, or zero.
func (e Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ExecutionFilter narrows which pending executions run-pending claims.
type ExecutionFilter struct {
	ScheduleID  string
	ExecutionID string
}
