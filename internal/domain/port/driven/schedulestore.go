package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// ScheduleStore defines the driven port for recurring triggers.
type ScheduleStore interface {
	Create(ctx context.Context, sched model.Schedule) error
	Update(ctx context.Context, sched model.Schedule) error
	Get(ctx context.Context, id string) (*model.Schedule, error)
	List(ctx context.Context) ([]model.Schedule, error)
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
	// ListDue returns enabled schedules whose next run is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]model.Schedule, error)
	// AdvanceAndEnqueue atomically moves next_run_at from prev to next and
	// inserts exec. Returns ErrClaimLost when next_run_at no longer equals
	// prev, in which case nothing is written.
	AdvanceAndEnqueue(ctx context.Context, sched model.Schedule, next time.Time, exec model.Execution) error
}
