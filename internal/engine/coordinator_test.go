package engine

import (
	"context"
	"testing"
	"time"

	"opsconductor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestCoordinatorRunsAllBranchesToCompletion(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	events := &recorder{}
	coord := NewCoordinator(st, runner, events, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001", "T0002", "T0003"},
		[]string{"ok", "ok"},
		BranchPolicy{OnFailure: models.OnFailureStop, ActionTimeout: time.Second},
		0)

	require.NoError(t, coord.Start(ctx, execution, work))
	coord.Wait(execution.Serial)

	final, err := st.GetExecution(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	counts, err := st.CountBranchStatuses(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.BranchCompleted])

	assert.Len(t, events.ByType(EventExecutionStarted), 1)
	assert.Len(t, events.ByType(EventBranchFinished), 3)
	finished := events.ByType(EventExecutionFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, models.ExecutionCompleted, finished[0].Status)
}

func TestCoordinatorHonorsConcurrencyCeiling(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	coord := NewCoordinator(st, runner, nil, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001", "T0002", "T0003", "T0004", "T0005"},
		[]string{"slow", "slow"},
		BranchPolicy{OnFailure: models.OnFailureStop, ActionTimeout: time.Second},
		2)

	require.NoError(t, coord.Start(ctx, execution, work))
	coord.Wait(execution.Serial)

	assert.LessOrEqual(t, connector.HighWater(), int64(2))

	counts, err := st.CountBranchStatuses(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[models.BranchCompleted])
}

func TestCoordinatorCancelSkipsQueuedBranches(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	events := &recorder{}
	coord := NewCoordinator(st, runner, events, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001", "T0002", "T0003", "T0004", "T0005"},
		[]string{"block"},
		BranchPolicy{OnFailure: models.OnFailureStop},
		2)

	require.NoError(t, coord.Start(ctx, execution, work))
	waitFor(t, func() bool { return connector.Inflight() == 2 }, "two branches in flight")

	ok, err := coord.Cancel(ctx, execution.Serial)
	require.NoError(t, err)
	assert.True(t, ok)
	coord.Wait(execution.Serial)

	final, err := st.GetExecution(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, final.Status)
	assert.True(t, final.CancelRequested)

	counts, err := st.CountBranchStatuses(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.BranchCancelled])
	assert.Equal(t, int64(3), counts[models.BranchSkipped])
}

func TestCoordinatorCancelAfterTerminalIsRefused(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	coord := NewCoordinator(st, runner, nil, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001"},
		[]string{"ok"},
		BranchPolicy{OnFailure: models.OnFailureStop, ActionTimeout: time.Second},
		0)

	require.NoError(t, coord.Start(ctx, execution, work))
	coord.Wait(execution.Serial)

	ok, err := coord.Cancel(ctx, execution.Serial)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinatorPartialFailure(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	coord := NewCoordinator(st, runner, nil, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001", "T0002", "T0003"},
		[]string{"fail-if:T0002"},
		BranchPolicy{OnFailure: models.OnFailureStop, ActionTimeout: time.Second},
		0)

	require.NoError(t, coord.Start(ctx, execution, work))
	coord.Wait(execution.Serial)

	final, err := st.GetExecution(ctx, execution.Serial)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPartiallyFailed, final.Status)
}

func TestCoordinatorDuplicateStartRejected(t *testing.T) {
	st := newTestStore(t)
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 16})
	runner := NewBranchRunner(pool, NewActionExecutor(), st)
	coord := NewCoordinator(st, runner, nil, 10)
	ctx := context.Background()

	execution, work := seedBranchWork(t, st, "J20250001.0001",
		[]string{"T0001", "T0002"},
		[]string{"block"},
		BranchPolicy{OnFailure: models.OnFailureStop},
		0)

	require.NoError(t, coord.Start(ctx, execution, work))
	assert.Error(t, coord.Start(ctx, execution, work))

	ok, err := coord.Cancel(ctx, execution.Serial)
	require.NoError(t, err)
	assert.True(t, ok)
	coord.Wait(execution.Serial)
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name            string
		counts          map[string]int64
		cancelRequested bool
		want            string
	}{
		{
			name:   "all completed",
			counts: map[string]int64{models.BranchCompleted: 3},
			want:   models.ExecutionCompleted,
		},
		{
			name:   "all failed",
			counts: map[string]int64{models.BranchFailed: 2},
			want:   models.ExecutionFailed,
		},
		{
			name:   "timed out counts as failed",
			counts: map[string]int64{models.BranchFailed: 1, models.BranchTimedOut: 1},
			want:   models.ExecutionFailed,
		},
		{
			name:   "mixed outcome",
			counts: map[string]int64{models.BranchCompleted: 2, models.BranchFailed: 1},
			want:   models.ExecutionPartiallyFailed,
		},
		{
			name:            "cancel interrupted branches",
			counts:          map[string]int64{models.BranchCompleted: 1, models.BranchCancelled: 1, models.BranchSkipped: 2},
			cancelRequested: true,
			want:            models.ExecutionCancelled,
		},
		{
			name:            "cancel landed after everything settled",
			counts:          map[string]int64{models.BranchCompleted: 3},
			cancelRequested: true,
			want:            models.ExecutionCompleted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AggregateStatus(tc.counts, tc.cancelRequested))
		})
	}
}
