package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Scheduler defaults.
const (
	DefaultTickInterval = 30 * time.Second
	DefaultBatchSize    = 50
	DefaultWorkers      = 4
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultPurgeEvery   = time.Hour
	DefaultMetricsSize  = 100
	minScheduleInterval = 60
)

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Workers     int
	Retention   time.Duration
	PurgeEvery  time.Duration
	MetricsSize int
}

// EnqueueStats summarizes one enqueue pass.
type EnqueueStats struct {
	Due      int `json:"due"`
	Enqueued int `json:"enqueued"`
	// Raced counts schedules another scheduler advanced first.
	Raced  int `json:"raced"`
	Failed int `json:"failed"`
}

// RunStats summarizes one run-pending pass.
type RunStats struct {
	Pending   int           `json:"pending"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Rejected  int           `json:"rejected"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// TickMetrics records one scheduler tick.
type TickMetrics struct {
	At      time.Time    `json:"at"`
	Enqueue EnqueueStats `json:"enqueue"`
	Run     RunStats     `json:"run"`
}

// ErrInvalidSchedule wraps every schedule validation failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ScheduleInput is the editable part of a schedule.
type ScheduleInput struct {
	Name            string
	Plugin          string
	Operation       string
	Params          json.RawMessage
	IntervalSeconds int
	OwnerID         string
	Enabled         bool
	// StartAt sets the first run; nil runs on the next tick.
	StartAt *time.Time
}

// SchedulerService materializes due schedules into pending executions and
// runs pending executions on a bounded worker pool. Several schedulers may
// share one database; schedule advances and execution claims are
// compare-and-set, so each trigger fires and each execution runs once.
type SchedulerService struct {
	schedules  driven.ScheduleStore
	executions driven.ExecutionStore
	counters   driven.CounterStore
	catalog    driven.PluginCatalog
	runner     *ExecutionService
	diag       *diagnostics.Recorder
	cfg        SchedulerConfig
	now        func() time.Time
	newID      func() string

	mu        sync.Mutex
	metrics   []TickMetrics
	next      int
	lastPurge time.Time
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(
	schedules driven.ScheduleStore,
	executions driven.ExecutionStore,
	counters driven.CounterStore,
	catalog driven.PluginCatalog,
	runner *ExecutionService,
	diag *diagnostics.Recorder,
	cfg SchedulerConfig,
) *SchedulerService {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = DefaultPurgeEvery
	}
	if cfg.MetricsSize <= 0 {
		cfg.MetricsSize = DefaultMetricsSize
	}
	return &SchedulerService{
		schedules:  schedules,
		executions: executions,
		counters:   counters,
		catalog:    catalog,
		runner:     runner,
		diag:       diag,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		metrics:    make([]TickMetrics, 0, cfg.MetricsSize),
	}
}

// Start runs a tick immediately, then keeps ticking until ctx is cancelled.
// The delay between ticks is the configured interval, shortened while a
// backlog of pending executions is being drained.
func (s *SchedulerService) Start(ctx context.Context) {
	m := s.Tick(ctx)

	timer := time.NewTimer(s.nextDelay(m))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-timer.C:
			m = s.Tick(ctx)
			timer.Reset(s.nextDelay(m))
		}
	}
}

func (s *SchedulerService) nextDelay(m TickMetrics) time.Duration {
	tier := classifyTick(m, s.cfg.BatchSize)
	if tier == TierBacklog {
		slog.Debug("scheduler backlog, ticking early", "pending", m.Run.Pending)
	}
	return tickDelay(tier, s.cfg.Interval)
}

// Tick enqueues due schedules, runs one batch of pending executions and
// periodically purges old executions and expired counters.
func (s *SchedulerService) Tick(ctx context.Context) TickMetrics {
	m := TickMetrics{At: s.now()}

	enq, err := s.EnqueueDueSchedules(ctx)
	if err != nil {
		slog.Error("enqueue cycle failed", "error", err)
	}
	m.Enqueue = enq

	run, err := s.runPending(ctx, s.cfg.BatchSize, model.ExecutionFilter{})
	if err != nil {
		slog.Error("run-pending cycle failed", "error", err)
	}
	m.Run = run
	s.record(m)

	s.maybePurge(ctx)

	slog.Info("scheduler tick complete",
		"enqueued", enq.Enqueued,
		"raced", enq.Raced,
		"completed", run.Completed,
		"failed", run.Failed,
		"rejected", run.Rejected,
		"duration", run.Duration.Round(time.Millisecond),
	)
	return m
}

// EnqueueDueSchedules advances every due schedule and inserts one pending
// execution for it. A schedule another scheduler advanced first is counted
// as raced and left alone.
func (s *SchedulerService) EnqueueDueSchedules(ctx context.Context) (EnqueueStats, error) {
	now := s.now()
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		return EnqueueStats{}, fmt.Errorf("listing due schedules: %w", err)
	}

	stats := EnqueueStats{Due: len(due)}
	for _, sched := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		exec := model.Execution{
			ID:         s.newID(),
			ScheduleID: sched.ID,
			Plugin:     sched.Plugin,
			Operation:  sched.Operation,
			UserID:     sched.OwnerID,
			Params:     sched.Params,
			Status:     model.ExecutionPending,
			CreatedAt:  now,
		}
		next := sched.Advance(now)

		err := s.schedules.AdvanceAndEnqueue(ctx, sched, next, exec)
		switch {
		case errors.Is(err, driven.ErrClaimLost):
			slog.Debug("schedule advanced elsewhere", "schedule_id", sched.ID)
			stats.Raced++
		case err != nil:
			slog.Error("enqueue schedule failed", "schedule_id", sched.ID, "error", err)
			stats.Failed++
		default:
			stats.Enqueued++
			s.diag.Emit(diagnostics.Event{
				Event:       diagnostics.EventScheduleEnqueued,
				Level:       slog.LevelInfo,
				Plugin:      sched.Plugin,
				UserID:      sched.OwnerID,
				ExecutionID: exec.ID,
				Fields: map[string]any{
					"schedule_id": sched.ID,
					"next_run_at": next.UTC().Format(time.RFC3339),
				},
			})
		}
	}
	return stats, nil
}

// RunPending claims and runs up to limit pending executions concurrently.
// Executions claimed by another worker are counted as skipped.
func (s *SchedulerService) RunPending(ctx context.Context, limit int, filter model.ExecutionFilter) (RunStats, error) {
	start := s.now()
	stats, err := s.runPending(ctx, limit, filter)
	if err != nil {
		return stats, err
	}
	s.record(TickMetrics{At: start, Run: stats})
	return stats, nil
}

func (s *SchedulerService) runPending(ctx context.Context, limit int, filter model.ExecutionFilter) (RunStats, error) {
	start := s.now()
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}

	pending, err := s.executions.ListPending(ctx, limit, filter)
	if err != nil {
		return RunStats{}, fmt.Errorf("listing pending executions: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = RunStats{Pending: len(pending)}
		g     errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)

	for _, exec := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.runner.RunScheduled(ctx, exec)

			mu.Lock()
			defer mu.Unlock()

			var idErr *model.IdentityError
			switch {
			case errors.Is(err, driven.ErrClaimLost):
				stats.Skipped++
			case errors.As(err, &idErr):
				stats.Rejected++
			case err != nil:
				slog.Error("scheduled execution failed", "execution_id", exec.ID, "error", err)
				stats.Failed++
			case res.Status == model.ExecutionCompleted:
				stats.Completed++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = s.now().Sub(start)
	return stats, nil
}

func (s *SchedulerService) record(m TickMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.metrics) < s.cfg.MetricsSize {
		s.metrics = append(s.metrics, m)
		return
	}
	s.metrics[s.next] = m
	s.next = (s.next + 1) % s.cfg.MetricsSize
}

// Metrics returns the recorded run-pending passes, oldest first.
func (s *SchedulerService) Metrics() []TickMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TickMetrics, 0, len(s.metrics))
	out = append(out, s.metrics[s.next:]...)
	out = append(out, s.metrics[:s.next]...)
	return out
}

// PurgeExecutions deletes finished executions older than olderThan.
func (s *SchedulerService) PurgeExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention must be positive")
	}
	n, err := s.executions.PurgeOlderThan(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged executions", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func (s *SchedulerService) maybePurge(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := now.Sub(s.lastPurge) >= s.cfg.PurgeEvery
	if due {
		s.lastPurge = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.PurgeExecutions(ctx, s.cfg.Retention); err != nil {
		slog.Error("purging executions", "error", err)
	}
	if s.counters != nil {
		if _, err := s.counters.PurgeExpired(ctx); err != nil {
			slog.Error("purging counters", "error", err)
		}
	}
}

// CreateSchedule validates in against the catalog and stores a new schedule.
func (s *SchedulerService) CreateSchedule(ctx context.Context, in ScheduleInput) (model.Schedule, error) {
	if err := s.validateInput(ctx, in); err != nil {
		return model.Schedule{}, err
	}

	now := s.now()
	sched := model.Schedule{
		ID:              s.newID(),
		Name:            strings.TrimSpace(in.Name),
		Plugin:          in.Plugin,
		Operation:       in.Operation,
		Params:          in.Params,
		IntervalSeconds: in.IntervalSeconds,
		OwnerID:         in.OwnerID,
		Enabled:         in.Enabled,
		NextRunAt:       in.StartAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.schedules.Create(ctx, sched); err != nil {
		return model.Schedule{}, err
	}
	return sched, nil
}

// UpdateSchedule replaces a schedule's editable fields. The next run time is
// kept unless in.StartAt is set. Disabling the schedule fails every execution
// it left pending, as SetEnabled does.
func (s *SchedulerService) UpdateSchedule(ctx context.Context, id string, in ScheduleInput) (model.Schedule, error) {
	sched, err := s.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	if err := s.validateInput(ctx, in); err != nil {
		return model.Schedule{}, err
	}

	sched.Name = strings.TrimSpace(in.Name)
	sched.Plugin = in.Plugin
	sched.Operation = in.Operation
	sched.Params = in.Params
	sched.IntervalSeconds = in.IntervalSeconds
	sched.OwnerID = in.OwnerID
	sched.Enabled = in.Enabled
	if in.StartAt != nil {
		sched.NextRunAt = in.StartAt
	}
	now := s.now()
	sched.UpdatedAt = now

	if err := s.schedules.Update(ctx, sched); err != nil {
		return model.Schedule{}, err
	}
	if !sched.Enabled {
		if err := s.cancelPending(ctx, id, now); err != nil {
			return model.Schedule{}, err
		}
	}
	return sched, nil
}

// GetSchedule returns a schedule or model.ErrNotFound.
func (s *SchedulerService) GetSchedule(ctx context.Context, id string) (model.Schedule, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	if sched == nil {
		return model.Schedule{}, fmt.Errorf("schedule %q: %w", id, model.ErrNotFound)
	}
	return *sched, nil
}

// ListSchedules returns every schedule.
func (s *SchedulerService) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	return s.schedules.List(ctx)
}

// DeleteSchedule removes a schedule. Its execution history is kept.
func (s *SchedulerService) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.executions.CancelPending(ctx, id, model.ReasonCancelledDisabled, s.now()); err != nil {
		return err
	}
	return s.schedules.Delete(ctx, id)
}

// SetEnabled toggles a schedule. Disabling it fails every execution it left
// pending.
func (s *SchedulerService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	now := s.now()
	if err := s.schedules.SetEnabled(ctx, id, enabled, now); err != nil {
		return err
	}
	if enabled {
		return nil
	}
	return s.cancelPending(ctx, id, now)
}

func (s *SchedulerService) cancelPending(ctx context.Context, id string, now time.Time) error {
	n, err := s.executions.CancelPending(ctx, id, model.ReasonCancelledDisabled, now)
	if err != nil {
		return fmt.Errorf("cancelling pending executions: %w", err)
	}
	if n > 0 {
		s.diag.Emit(diagnostics.Event{
			Event:  diagnostics.EventScheduleCancelled,
			Level:  slog.LevelInfo,
			Fields: map[string]any{"schedule_id": id, "cancelled": n},
		})
	}
	return nil
}

func (s *SchedulerService) validateInput(ctx context.Context, in ScheduleInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if in.IntervalSeconds < minScheduleInterval {
		return fmt.Errorf("%w: interval must be at least %d seconds", ErrInvalidSchedule, minScheduleInterval)
	}
	if len(in.Params) > 0 && !json.Valid(in.Params) {
		return fmt.Errorf("%w: params must be valid JSON", ErrInvalidSchedule)
	}

	m, err := s.catalog.Get(ctx, in.Plugin)
	if err != nil {
		return fmt.Errorf("%w: plugin %q: %w", ErrInvalidSchedule, in.Plugin, err)
	}
	op, ok := m.Operation(in.Operation)
	if !ok {
		return fmt.Errorf("%w: plugin %q has no operation %q", ErrInvalidSchedule, in.Plugin, in.Operation)
	}
	if !op.Permits(model.CallScheduled) {
		return fmt.Errorf("%w: operation %q cannot run scheduled", ErrInvalidSchedule, in.Operation)
	}
	return nil
}
