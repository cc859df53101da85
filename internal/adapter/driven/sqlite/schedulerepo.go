package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ScheduleStore = (*ScheduleRepo)(nil)

// errMalformedSchedule marks a row whose stored timestamps cannot be parsed.
var errMalformedSchedule = errors.New("malformed schedule row")

// ScheduleRepo is the SQLite implementation of the ScheduleStore port.
type ScheduleRepo struct {
	db *DB
}

// NewScheduleRepo creates a new ScheduleRepo backed by the given DB.
func NewScheduleRepo(db *DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

const scheduleColumns = `
	id, name, plugin, operation, params, interval_seconds, owner_id, enabled,
	next_run_at, created_at, updated_at
`

// Create inserts a new schedule.
func (r *ScheduleRepo) Create(ctx context.Context, sched model.Schedule) error {
	const query = `
		INSERT INTO schedules (
			id, name, plugin, operation, params, interval_seconds, owner_id, enabled,
			next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		sched.ID, sched.Name, sched.Plugin, sched.Operation, paramsText(sched.Params),
		sched.IntervalSeconds, sched.OwnerID, boolToInt(sched.Enabled),
		nullTime(sched.NextRunAt), formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create schedule %q: %w", sched.Name, err)
	}
	return nil
}

// Update replaces the editable fields of a schedule.
func (r *ScheduleRepo) Update(ctx context.Context, sched model.Schedule) error {
	const query = `
		UPDATE schedules SET
			name = ?, plugin = ?, operation = ?, params = ?, interval_seconds = ?,
			owner_id = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		sched.Name, sched.Plugin, sched.Operation, paramsText(sched.Params), sched.IntervalSeconds,
		sched.OwnerID, boolToInt(sched.Enabled), nullTime(sched.NextRunAt), formatTime(sched.UpdatedAt),
		sched.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sched.ID, err)
	}
	return expectOneRow(result, "schedule", sched.ID)
}

// Get returns a schedule by ID, or nil if it does not exist.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`

	sched, err := scanSchedule(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sched, nil
}

// List returns all schedules ordered by name.
func (r *ScheduleRepo) List(ctx context.Context) ([]model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name, id`
	return r.query(ctx, query)
}

// ListDue returns enabled schedules whose next run is at or before now.
// Schedules that were never scheduled (NULL next_run_at) are due.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at, id`
	return r.query(ctx, query, formatTime(now))
}

// Delete removes a schedule. Its executions keep their history with the
// schedule reference cleared.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM schedules WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return expectOneRow(result, "schedule", id)
}

// SetEnabled toggles a schedule.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	const query = `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, boolToInt(enabled), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("set schedule %s enabled=%t: %w", id, enabled, err)
	}
	return expectOneRow(result, "schedule", id)
}

// AdvanceAndEnqueue moves next_run_at from its current value to next and
// inserts exec in the same transaction. The UPDATE matches on the previous
// next_run_at, so of two concurrent schedulers only one enqueues.
func (r *ScheduleRepo) AdvanceAndEnqueue(ctx context.Context, sched model.Schedule, next time.Time, exec model.Execution) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			result sql.Result
			err    error
		)
		if sched.NextRunAt == nil {
			const query = `
				UPDATE schedules SET next_run_at = ?, updated_at = ?
				WHERE id = ? AND enabled = 1 AND next_run_at IS NULL
			`
			result, err = tx.ExecContext(ctx, query, formatTime(next), formatTime(exec.CreatedAt), sched.ID)
		} else {
			const query = `
				UPDATE schedules SET next_run_at = ?, updated_at = ?
				WHERE id = ? AND enabled = 1 AND next_run_at = ?
			`
			result, err = tx.ExecContext(ctx, query, formatTime(next), formatTime(exec.CreatedAt), sched.ID, formatTime(*sched.NextRunAt))
		}
		if err != nil {
			return fmt.Errorf("advance schedule %s: %w", sched.ID, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("advance schedule %s: %w", sched.ID, driven.ErrClaimLost)
		}

		return insertExecution(ctx, tx, exec)
	})
}

func (r *ScheduleRepo) query(ctx context.Context, query string, args ...any) ([]model.Schedule, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var scheds []model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if errors.Is(err, errMalformedSchedule) {
			slog.Warn("skipping malformed schedule", "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		scheds = append(scheds, *sched)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return scheds, nil
}

func scanSchedule(s rowScanner) (*model.Schedule, error) {
	var (
		sched                model.Schedule
		params               string
		enabled              int
		nextRunAt            sql.NullString
		createdAt, updatedAt string
	)

	err := s.Scan(
		&sched.ID, &sched.Name, &sched.Plugin, &sched.Operation, &params, &sched.IntervalSeconds,
		&sched.OwnerID, &enabled, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Params = json.RawMessage(params)
	sched.Enabled = enabled == 1
	if sched.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, fmt.Errorf("%w: schedule %s next_run_at: %v", errMalformedSchedule, sched.ID, err)
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sched, nil
}

func paramsText(params json.RawMessage) string {
	if len(params) == 0 {
		return "{}"
	}
	return string(params)
}

func expectOneRow(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %q: %w", entity, id, model.ErrNotFound)
	}
	return nil
}
