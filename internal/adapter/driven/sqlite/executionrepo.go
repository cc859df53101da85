package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ExecutionStore = (*ExecutionRepo)(nil)

// ExecutionRepo is the SQLite implementation of the ExecutionStore port.
// Every status change is a conditional UPDATE on the expected prior status,
// so concurrent workers cannot both win a transition.
type ExecutionRepo struct {
	db *DB
}

// NewExecutionRepo creates a new ExecutionRepo backed by the given DB.
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

const executionColumns = `
	id, schedule_id, plugin, operation, operator_key, user_id, params, result,
	status, error, created_at, started_at, completed_at
`

// Create inserts a new execution.
func (r *ExecutionRepo) Create(ctx context.Context, exec model.Execution) error {
	return insertExecution(ctx, r.db.Writer, exec)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertExecution(ctx context.Context, db execer, exec model.Execution) error {
	const query = `
		INSERT INTO executions (
			id, schedule_id, plugin, operation, operator_key, user_id, params, result,
			status, error, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	params := exec.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var result sql.NullString
	if len(exec.Result) > 0 {
		result = sql.NullString{String: string(exec.Result), Valid: true}
	}

	createdAt := exec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := db.ExecContext(ctx, query,
		exec.ID, nullString(exec.ScheduleID), exec.Plugin, exec.Operation, exec.OperatorKey, exec.UserID,
		string(params), result, string(exec.Status), exec.Error,
		formatTime(createdAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// Get returns an execution by ID, or nil if it does not exist.
func (r *ExecutionRepo) Get(ctx context.Context, id string) (*model.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	exec, err := scanExecution(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListPending returns up to limit pending executions, oldest first.
func (r *ExecutionRepo) ListPending(ctx context.Context, limit int, filter model.ExecutionFilter) ([]model.Execution, error) {
	var (
		where = []string{"status = 'pending'"}
		args  []any
	)
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ExecutionID)
	}
	args = append(args, limit)

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

// Claim moves an execution from pending to running iff it is still pending.
func (r *ExecutionRepo) Claim(ctx context.Context, id string, startedAt time.Time) error {
	const query = `
		UPDATE executions SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'
	`
	return r.conditionalUpdate(ctx, "claim", id, query, formatTime(startedAt), id)
}

// Complete moves a running execution to completed.
func (r *ExecutionRepo) Complete(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	const query = `
		UPDATE executions SET status = 'completed', result = ?, error = '', completed_at = ?
		WHERE id = ? AND status = 'running'
	`
	return r.conditionalUpdate(ctx, "complete", id, query, string(result), formatTime(completedAt), id)
}

// Fail moves an execution in status from to failed.
func (r *ExecutionRepo) Fail(ctx context.Context, id string, from model.ExecutionStatus, reason string, completedAt time.Time) error {
	if !from.CanTransition(model.ExecutionFailed) {
		return fmt.Errorf("fail execution %s: illegal transition from %s", id, from)
	}

	const query = `
		UPDATE executions SET status = 'failed', result = NULL, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`
	return r.conditionalUpdate(ctx, "fail", id, query, reason, formatTime(completedAt), id, string(from))
}

// CancelPending fails every pending execution of a schedule.
func (r *ExecutionRepo) CancelPending(ctx context.Context, scheduleID, reason string, at time.Time) (int64, error) {
	const query = `
		UPDATE executions SET status = 'failed', error = ?, completed_at = ?
		WHERE schedule_id = ? AND status = 'pending'
	`

	result, err := r.db.Writer.ExecContext(ctx, query, reason, formatTime(at), scheduleID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending for schedule %s: %w", scheduleID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes terminal executions completed before cutoff.
func (r *ExecutionRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed') AND completed_at < ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

func (r *ExecutionRepo) conditionalUpdate(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s execution %s: %w", op, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s execution %s: %w", op, id, driven.ErrClaimLost)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(s rowScanner) (*model.Execution, error) {
	var (
		exec                   model.Execution
		scheduleID, result     sql.NullString
		params, status         string
		createdAt              string
		startedAt, completedAt sql.NullString
	)

	err := s.Scan(
		&exec.ID, &scheduleID, &exec.Plugin, &exec.Operation, &exec.OperatorKey, &exec.UserID,
		&params, &result, &status, &exec.Error, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.ScheduleID = scheduleID.String
	exec.Params = json.RawMessage(params)
	if result.Valid {
		exec.Result = json.RawMessage(result.String)
	}
	exec.Status = model.ExecutionStatus(status)

	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if exec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &exec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
