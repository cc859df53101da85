package sqlite

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

var execBase = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func pendingExec(id string, offset time.Duration) model.Execution {
	return model.Execution{
		ID:        id,
		Plugin:    "gmail_digest",
		Operation: "summarize",
		UserID:    "u1",
		Params:    json.RawMessage(`{"limit":5}`),
		Status:    model.ExecutionPending,
		CreatedAt: execBase.Add(offset),
	}
}

func TestExecutionRepo_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingExec("e1", 0)))

	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ExecutionPending, got.Status)
	assert.JSONEq(t, `{"limit":5}`, string(got.Params))
	assert.Empty(t, got.ScheduleID)
	assert.Nil(t, got.StartedAt)
	assert.True(t, got.CreatedAt.Equal(execBase))

	missing, err := repo.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExecutionRepo_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingExec("e1", 0)))
	require.NoError(t, repo.Claim(ctx, "e1", execBase.Add(time.Second)))
	require.NoError(t, repo.Complete(ctx, "e1", json.RawMessage(`{"ok":true}`), execBase.Add(3*time.Second)))

	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 2*time.Second, got.Duration())

	err = repo.Fail(ctx, "e1", model.ExecutionRunning, "late", execBase.Add(4*time.Second))
	assert.ErrorIs(t, err, driven.ErrClaimLost, "terminal executions do not move")
}

func TestExecutionRepo_FailRejectsIllegalSource(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)

	err := repo.Fail(context.Background(), "e1", model.ExecutionCompleted, "x", execBase)
	require.Error(t, err)
	assert.NotErrorIs(t, err, driven.ErrClaimLost)
}

func TestExecutionRepo_FailFromPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingExec("e1", 0)))
	require.NoError(t, repo.Fail(ctx, "e1", model.ExecutionPending, "subscription_required", execBase))

	got, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Equal(t, "subscription_required", got.Error)
	assert.Nil(t, got.Result)
}

func TestExecutionRepo_ConcurrentClaimHasOneWinner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingExec("e1", 0)))

	const workers = 8
	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		lost atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Claim(ctx, "e1", execBase)
			switch {
			case err == nil:
				won.Add(1)
			case assert.ErrorIs(t, err, driven.ErrClaimLost):
				lost.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(workers-1), lost.Load())
}

func TestExecutionRepo_ListPendingOrderAndFilter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingExec("late", 2*time.Minute)))
	require.NoError(t, repo.Create(ctx, pendingExec("early", 0)))
	require.NoError(t, repo.Create(ctx, pendingExec("claimed", time.Minute)))
	require.NoError(t, repo.Claim(ctx, "claimed", execBase))

	pending, err := repo.ListPending(ctx, 10, model.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID)
	assert.Equal(t, "late", pending[1].ID)

	limited, err := repo.ListPending(ctx, 1, model.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "early", limited[0].ID)

	byID, err := repo.ListPending(ctx, 10, model.ExecutionFilter{ExecutionID: "late"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "late", byID[0].ID)
}

func TestExecutionRepo_CancelPendingAndPurge(t *testing.T) {
	db := setupTestDB(t)
	schedules := NewScheduleRepo(db)
	repo := NewExecutionRepo(db)
	ctx := context.Background()

	require.NoError(t, schedules.Create(ctx, model.Schedule{
		ID: "s1", Name: "digest", Plugin: "gmail_digest", Operation: "summarize",
		IntervalSeconds: 60, Enabled: true, CreatedAt: execBase, UpdatedAt: execBase,
	}))

	for _, id := range []string{"a", "b"} {
		exec := pendingExec(id, 0)
		exec.ScheduleID = "s1"
		require.NoError(t, repo.Create(ctx, exec))
	}
	running := pendingExec("c", 0)
	running.ScheduleID = "s1"
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.Claim(ctx, "c", execBase))

	n, err := repo.CancelPending(ctx, "s1", model.ReasonCancelledDisabled, execBase.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Equal(t, model.ReasonCancelledDisabled, got.Error)

	still, err := repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, still.Status)

	purged, err := repo.PurgeOlderThan(ctx, execBase.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged, "only terminal rows are purged")
}
