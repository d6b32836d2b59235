package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"opsconductor/internal/ctxlog"
	"opsconductor/internal/models"
	"opsconductor/internal/store"
)

// Event types published on execution state transitions.
const (
	EventExecutionStarted  = "execution.started"
	EventExecutionFinished = "execution.finished"
	EventBranchFinished    = "branch.finished"
)

// Event is one fire-and-forget notification for the audit/notification
// collaborators.
type Event struct {
	Type      string    `json:"type"`
	Serial    string    `json:"serial"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives events. Implementations must never block the caller.
type Notifier interface {
	Publish(Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}

// ExecutionStatus is the snapshot returned by Status: the persisted execution
// state plus live branch counts, always consistent with the latest persisted
// branch rows.
type ExecutionStatus struct {
	Serial          string           `json:"serial"`
	JobSerial       string           `json:"job_serial"`
	Status          string           `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
	TargetCount     int32            `json:"target_count"`
	BranchCounts    map[string]int64 `json:"branch_counts"`
	StartedAt       *time.Time       `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at"`
}

// Coordinator fans an execution out into one branch per target under a
// bounded-concurrency worker pool, aggregates branch results, and finalizes
// the execution exactly once.
type Coordinator struct {
	store    *store.Store
	runner   *BranchRunner
	notifier Notifier

	maxConcurrency int

	mu     sync.Mutex
	active map[string]*activeExecution
}

type activeExecution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator. maxConcurrency is the system-wide cap
// on simultaneously running branches per execution; a job's own limit may
// only lower it.
func NewCoordinator(st *store.Store, runner *BranchRunner, notifier Notifier, maxConcurrency int) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Coordinator{
		store:          st,
		runner:         runner,
		notifier:       notifier,
		maxConcurrency: maxConcurrency,
		active:         make(map[string]*activeExecution),
	}
}

// Start launches the execution's branches in the background and returns
// immediately. The execution record and its pending branches must already be
// persisted.
func (c *Coordinator) Start(ctx context.Context, execution *models.Execution, work []BranchWork) error {
	// Detach from the caller's lifetime: the request that dispatched the
	// execution may finish long before the branches do. Explicit Cancel is
	// the only way to interrupt.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ae := &activeExecution{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	if _, exists := c.active[execution.Serial]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("execution %s already started", execution.Serial)
	}
	c.active[execution.Serial] = ae
	c.mu.Unlock()

	if err := c.store.MarkExecutionRunning(ctx, execution.Serial); err != nil {
		ctxlog.FromContext(ctx).Error("failed to mark execution running", "execution", execution.Serial, "error", err)
	}
	c.notifier.Publish(Event{
		Type:      EventExecutionStarted,
		Serial:    execution.Serial,
		Status:    models.ExecutionRunning,
		Timestamp: time.Now(),
	})

	workers := c.maxConcurrency
	if execution.Concurrency > 0 && int(execution.Concurrency) < workers {
		workers = int(execution.Concurrency)
	}
	if workers > len(work) {
		workers = len(work)
	}
	if workers < 1 {
		workers = 1
	}

	go c.run(execCtx, ae, execution.Serial, work, workers)
	return nil
}

// run drives one execution to its terminal state. The coordinator is the sole
// producer on the queue; branches are admitted in submission order as workers
// free up.
func (c *Coordinator) run(ctx context.Context, ae *activeExecution, executionSerial string, work []BranchWork, workers int) {
	logger := ctxlog.FromContext(ctx).With("execution", executionSerial)
	ctx = ctxlog.WithLogger(ctx, logger)

	queue := make(chan BranchWork, len(work))
	for _, w := range work {
		queue <- w
	}
	close(queue)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			c.worker(ctx, workerID, queue)
		}(i)
	}
	wg.Wait()

	c.finalize(ctx, executionSerial)

	c.mu.Lock()
	delete(c.active, executionSerial)
	c.mu.Unlock()
	ae.cancel()
	close(ae.done)
}

func (c *Coordinator) worker(ctx context.Context, workerID int, queue <-chan BranchWork) {
	logger := ctxlog.FromContext(ctx).With("worker", workerID)
	persistCtx := context.WithoutCancel(ctx)

	for w := range queue {
		// A branch still queued when cancellation lands is skipped and never
		// acquires a connection.
		if ctx.Err() != nil {
			if err := c.store.FinishBranch(persistCtx, w.Serial, models.BranchSkipped, "cancelled before start"); err != nil {
				logger.Error("failed to skip branch", "branch", w.Serial, "error", err)
			}
			c.notifier.Publish(Event{
				Type:      EventBranchFinished,
				Serial:    w.Serial,
				Status:    models.BranchSkipped,
				Timestamp: time.Now(),
			})
			continue
		}

		result := c.runner.Run(ctxlog.WithLogger(ctx, logger), w)
		c.notifier.Publish(Event{
			Type:      EventBranchFinished,
			Serial:    result.Serial,
			Status:    result.Status,
			Timestamp: time.Now(),
		})
	}
}

// finalize computes the aggregate status from the persisted branch states and
// writes it exactly once.
func (c *Coordinator) finalize(ctx context.Context, executionSerial string) {
	logger := ctxlog.FromContext(ctx)
	persistCtx := context.WithoutCancel(ctx)

	execution, err := c.store.GetExecution(persistCtx, executionSerial)
	if err != nil {
		logger.Error("failed to load execution for finalize", "error", err)
		return
	}

	counts, err := c.store.CountBranchStatuses(persistCtx, executionSerial)
	if err != nil {
		logger.Error("failed to count branch statuses", "error", err)
		return
	}

	status := AggregateStatus(counts, execution.CancelRequested)
	if err := c.store.FinalizeExecution(persistCtx, executionSerial, status); err != nil {
		logger.Error("failed to finalize execution", "error", err)
	}

	c.notifier.Publish(Event{
		Type:      EventExecutionFinished,
		Serial:    executionSerial,
		Status:    status,
		Timestamp: time.Now(),
	})
	logger.Info("execution finished", "status", status)
}

// AggregateStatus derives an execution's terminal status from its branch
// counts: completed iff every branch completed, failed iff every branch
// failed or timed out, cancelled iff cancellation interrupted at least one
// branch, partially-failed otherwise.
func AggregateStatus(counts map[string]int64, cancelRequested bool) string {
	var total int64
	for _, n := range counts {
		total += n
	}

	interrupted := counts[models.BranchCancelled] + counts[models.BranchSkipped]
	if cancelRequested && interrupted > 0 {
		return models.ExecutionCancelled
	}

	completed := counts[models.BranchCompleted]
	failed := counts[models.BranchFailed] + counts[models.BranchTimedOut]

	switch {
	case total == 0 || completed == total:
		return models.ExecutionCompleted
	case failed == total:
		return models.ExecutionFailed
	default:
		return models.ExecutionPartiallyFailed
	}
}

// Cancel propagates a cooperative cancellation signal to every branch of the
// execution that is not yet terminal. It reports whether the execution was
// still cancellable.
func (c *Coordinator) Cancel(ctx context.Context, executionSerial string) (bool, error) {
	ok, err := c.store.SetCancelRequested(ctx, executionSerial)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	ae := c.active[executionSerial]
	c.mu.Unlock()
	if ae != nil {
		ae.cancel()
	}
	return true, nil
}

// Wait blocks until the execution has finalized. Mainly used by tests and
// graceful shutdown.
func (c *Coordinator) Wait(executionSerial string) {
	c.mu.Lock()
	ae := c.active[executionSerial]
	c.mu.Unlock()
	if ae != nil {
		<-ae.done
	}
}

// Status returns a snapshot of the execution with live branch counts.
func (c *Coordinator) Status(ctx context.Context, executionSerial string) (*ExecutionStatus, error) {
	execution, err := c.store.GetExecution(ctx, executionSerial)
	if err != nil {
		return nil, err
	}
	counts, err := c.store.CountBranchStatuses(ctx, executionSerial)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{
		Serial:          execution.Serial,
		JobSerial:       execution.JobSerial,
		Status:          execution.Status,
		CancelRequested: execution.CancelRequested,
		TargetCount:     execution.TargetCount,
		BranchCounts:    counts,
		StartedAt:       execution.StartedAt,
		CompletedAt:     execution.CompletedAt,
	}, nil
}
