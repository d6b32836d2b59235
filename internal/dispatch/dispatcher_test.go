package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsconductor/internal/engine"
	"opsconductor/internal/models"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"
	"opsconductor/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubConn reports success for every payload.
type stubConn struct{}

func (stubConn) Run(ctx context.Context, payload string) (*transport.Result, error) {
	return &transport.Result{ExitCode: 0, Output: []byte("ok\n")}, nil
}
func (stubConn) Ping(ctx context.Context) error { return nil }
func (stubConn) Close() error                   { return nil }

type stubConnector struct{}

func (stubConnector) Dial(ctx context.Context, profile transport.Profile) (transport.Conn, error) {
	return stubConn{}, nil
}

type harness struct {
	store      *store.Store
	alloc      *serial.Allocator
	coord      *engine.Coordinator
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.Migrate(db))

	st := store.NewStore(db)
	alloc := serial.NewAllocator(db)
	pool := engine.NewPool(stubConnector{}, engine.PoolConfig{GlobalLimit: 8})
	runner := engine.NewBranchRunner(pool, engine.NewActionExecutor(), st)
	coord := engine.NewCoordinator(st, runner, nil, 10)
	dispatcher := NewDispatcher(st, alloc, coord, st, Defaults{
		ActionTimeout: time.Second,
		BranchTimeout: 10 * time.Second,
	})
	return &harness{store: st, alloc: alloc, coord: coord, dispatcher: dispatcher}
}

func (h *harness) seedJob(t *testing.T, onFailure string) string {
	t.Helper()
	ctx := context.Background()
	jobSerial, err := h.alloc.NextJob(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.CreateJob(ctx, &models.Job{
		Serial:    jobSerial,
		Name:      "restart-agents",
		OnFailure: onFailure,
	}, []models.JobAction{
		{Name: "stop", Command: "systemctl stop agent"},
		{Name: "start", Command: "systemctl start agent"},
	}))
	return jobSerial
}

func (h *harness) seedTargets(t *testing.T, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range names {
		targetSerial, err := h.alloc.NextTarget(ctx)
		require.NoError(t, err)
		require.NoError(t, h.store.CreateTarget(ctx, &models.Target{
			Serial:  targetSerial,
			Name:    name,
			Host:    "10.0.0.1",
			Port:    22,
			User:    "ops",
			Enabled: true,
		}))
	}
}

func TestSubmitDispatchesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobSerial := h.seedJob(t, models.OnFailureStop)
	h.seedTargets(t, "web-1", "web-2")

	executionSerial, err := h.dispatcher.Submit(ctx, jobSerial, "all", nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, jobSerial+".0001", executionSerial)
	h.coord.Wait(executionSerial)

	execution, err := h.store.GetExecution(ctx, executionSerial)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, execution.Status)
	assert.Equal(t, "alice", execution.RequestedBy)
	assert.Equal(t, int32(2), execution.TargetCount)

	branches, err := h.store.ListBranches(ctx, executionSerial)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	for _, branch := range branches {
		assert.Equal(t, models.BranchCompleted, branch.Status)
		actions, err := h.store.ListActionResults(ctx, branch.Serial)
		require.NoError(t, err)
		assert.Len(t, actions, 2)
	}

	// The job is pinned once an execution references it.
	job, err := h.store.GetJob(ctx, jobSerial)
	require.NoError(t, err)
	assert.True(t, job.Referenced)
}

func TestSubmitEmptySelectorPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobSerial := h.seedJob(t, models.OnFailureStop)

	_, err := h.dispatcher.Submit(ctx, jobSerial, "name=ghost", nil, "")
	var resErr *engine.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "name=ghost", resErr.Selector)

	executions, total, err := h.store.ListExecutions(ctx, jobSerial, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, executions)
}

func TestSubmitBadSerialListFailsResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobSerial := h.seedJob(t, models.OnFailureContinue)
	h.seedTargets(t, "web-1")

	_, err := h.dispatcher.Submit(ctx, jobSerial, "T0001,T9999", nil, "")
	var resErr *engine.ResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestSubmitFutureRunAtCreatesSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobSerial := h.seedJob(t, models.OnFailureStop)
	h.seedTargets(t, "web-1")

	runAt := time.Now().Add(time.Hour)
	submissionID, err := h.dispatcher.Submit(ctx, jobSerial, "all", &runAt, "")
	require.NoError(t, err)

	submission, err := h.store.GetSubmission(ctx, submissionID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPending, submission.Status)
	assert.Empty(t, submission.ExecutionSerial)

	// Nothing dispatched yet.
	_, total, err := h.store.ListExecutions(ctx, jobSerial, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFireIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobSerial := h.seedJob(t, models.OnFailureStop)
	h.seedTargets(t, "web-1")

	runAt := time.Now().Add(time.Hour)
	submissionID, err := h.dispatcher.Submit(ctx, jobSerial, "all", &runAt, "")
	require.NoError(t, err)

	first, err := h.dispatcher.Fire(ctx, submissionID)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	h.coord.Wait(first)

	second, err := h.dispatcher.Fire(ctx, submissionID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, total, err := h.store.ListExecutions(ctx, jobSerial, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestDispatchRejectsInvalidPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTargets(t, "web-1")

	jobSerial, err := h.alloc.NextJob(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.CreateJob(ctx, &models.Job{
		Serial:    jobSerial,
		Name:      "broken",
		OnFailure: "retry",
	}, []models.JobAction{{Name: "noop", Command: "true"}}))

	_, err = h.dispatcher.Submit(ctx, jobSerial, "all", nil, "")
	require.Error(t, err)
	var resErr *engine.ResolutionError
	assert.False(t, errors.As(err, &resErr))
}
