package driven

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// ErrClaimLost is returned when a conditional status update affected no rows
// because another worker moved the execution first.
var ErrClaimLost = errors.New("execution no longer in expected state")

// ExecutionStore defines the driven port for execution records.
type ExecutionStore interface {
	// Create inserts a new execution in its initial status.
	Create(ctx context.Context, exec model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
	// ListPending returns up to limit pending executions, oldest first.
	ListPending(ctx context.Context, limit int, filter model.ExecutionFilter) ([]model.Execution, error)
	// Claim moves an execution from pending to running iff it is still
	// pending. Returns ErrClaimLost otherwise.
	Claim(ctx context.Context, id string, startedAt time.Time) error
	// Complete moves a running execution to completed with its result.
	Complete(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error
	// Fail moves a running or pending execution to failed.
	Fail(ctx context.Context, id string, from model.ExecutionStatus, reason string, completedAt time.Time) error
	// CancelPending fails every pending execution of a schedule and returns
	// how many were cancelled.
	CancelPending(ctx context.Context, scheduleID, reason string, at time.Time) (int64, error)
	// PurgeOlderThan deletes terminal executions completed before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
