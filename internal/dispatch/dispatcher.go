// Package dispatch resolves job definitions and target selectors into
// executions and hands them to the coordinator. Deferred dispatches are held
// as submissions until their run_at time; firing is idempotent so an external
// cron-like trigger can drive it as well as the built-in timer.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"opsconductor/internal/engine"
	"opsconductor/internal/models"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"
	"opsconductor/internal/transport"

	"github.com/google/uuid"
)

// Resolver turns a target selector into a frozen, ordered target snapshot.
// *store.Store satisfies it.
type Resolver interface {
	ResolveTargets(ctx context.Context, selector string) ([]models.Target, error)
}

// Defaults are the engine-level fallbacks applied when a job leaves a knob
// unset.
type Defaults struct {
	ActionTimeout time.Duration
	BranchTimeout time.Duration
}

// Dispatcher assigns execution serials and submits work to the coordinator.
type Dispatcher struct {
	store    *store.Store
	alloc    *serial.Allocator
	coord    *engine.Coordinator
	resolver Resolver
	defaults Defaults
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st *store.Store, alloc *serial.Allocator, coord *engine.Coordinator, resolver Resolver, defaults Defaults) *Dispatcher {
	return &Dispatcher{
		store:    st,
		alloc:    alloc,
		coord:    coord,
		resolver: resolver,
		defaults: defaults,
	}
}

// Submit dispatches a job against a selector. With a future runAt it records
// a submission and returns its id; otherwise it dispatches immediately and
// returns the new execution serial.
func (d *Dispatcher) Submit(ctx context.Context, jobSerial, selector string, runAt *time.Time, requestedBy string) (string, error) {
	if runAt != nil && runAt.After(time.Now()) {
		submission := &models.Submission{
			ID:        uuid.New().String(),
			JobSerial: jobSerial,
			Selector:  selector,
			RunAt:     *runAt,
			Status:    models.SubmissionPending,
		}
		if err := d.store.CreateSubmission(ctx, submission); err != nil {
			return "", err
		}
		return submission.ID, nil
	}

	return d.dispatch(ctx, jobSerial, selector, requestedBy)
}

// Fire dispatches a pending submission. It is idempotent: a submission that
// was already fired (by this process or an external trigger) just returns the
// execution serial it produced.
func (d *Dispatcher) Fire(ctx context.Context, submissionID string) (string, error) {
	claimed, err := d.store.ClaimSubmission(ctx, submissionID)
	if err != nil {
		return "", err
	}

	submission, err := d.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if !claimed {
		return submission.ExecutionSerial, nil
	}

	executionSerial, err := d.dispatch(ctx, submission.JobSerial, submission.Selector, "")
	if err != nil {
		return "", err
	}
	if err := d.store.BindSubmissionExecution(ctx, submissionID, executionSerial); err != nil {
		return executionSerial, err
	}
	return executionSerial, nil
}

// dispatch resolves targets, assigns serials, persists the execution with its
// pending branches, and starts the coordinator. Resolution happens exactly
// once; membership changes after this point do not affect the execution.
func (d *Dispatcher) dispatch(ctx context.Context, jobSerial, selector, requestedBy string) (string, error) {
	job, err := d.store.GetJob(ctx, jobSerial)
	if err != nil {
		return "", err
	}
	if job.OnFailure != models.OnFailureStop && job.OnFailure != models.OnFailureContinue {
		return "", fmt.Errorf("job %s has invalid on_failure policy %q", jobSerial, job.OnFailure)
	}
	if len(job.Actions) == 0 {
		return "", fmt.Errorf("job %s has no actions", jobSerial)
	}

	targets, err := d.resolver.ResolveTargets(ctx, selector)
	if err != nil {
		return "", &engine.ResolutionError{Selector: selector, Err: err}
	}
	if len(targets) == 0 {
		return "", &engine.ResolutionError{Selector: selector}
	}

	executionSerial, err := d.alloc.NextChild(ctx, job.Serial)
	if err != nil {
		return "", err
	}

	execution := &models.Execution{
		Serial:      executionSerial,
		JobSerial:   job.Serial,
		Status:      models.ExecutionPending,
		Concurrency: job.Concurrency,
		TargetCount: int32(len(targets)),
		RequestedBy: requestedBy,
	}

	policy := engine.BranchPolicy{
		OnFailure:     job.OnFailure,
		ActionTimeout: d.defaults.ActionTimeout,
		BranchTimeout: d.defaults.BranchTimeout,
	}
	if job.ActionTimeoutSeconds > 0 {
		policy.ActionTimeout = time.Duration(job.ActionTimeoutSeconds) * time.Second
	}
	if job.BranchTimeoutSeconds > 0 {
		policy.BranchTimeout = time.Duration(job.BranchTimeoutSeconds) * time.Second
	}

	branches := make([]models.Branch, len(targets))
	work := make([]engine.BranchWork, len(targets))
	for i, target := range targets {
		branchSerial := serial.Child(executionSerial, int64(i+1))
		branches[i] = models.Branch{
			Serial:       branchSerial,
			TargetSerial: target.Serial,
			TargetName:   target.Name,
			Status:       models.BranchPending,
		}
		work[i] = engine.BranchWork{
			Serial: branchSerial,
			Profile: transport.Profile{
				TargetSerial: target.Serial,
				Host:         target.Host,
				Port:         target.Port,
				User:         target.User,
			},
			Actions: job.Actions,
			Policy:  policy,
		}
	}

	if err := d.store.CreateExecution(ctx, execution, branches); err != nil {
		return "", err
	}
	if err := d.store.MarkJobReferenced(ctx, job.Serial); err != nil {
		return "", err
	}

	if err := d.coord.Start(ctx, execution, work); err != nil {
		return "", err
	}
	return executionSerial, nil
}

// Cancel forwards to the coordinator.
func (d *Dispatcher) Cancel(ctx context.Context, executionSerial string) (bool, error) {
	return d.coord.Cancel(ctx, executionSerial)
}
