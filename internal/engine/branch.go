package engine

import (
	"context"
	"log/slog"
	"time"

	"opsconductor/internal/ctxlog"
	"opsconductor/internal/models"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"
	"opsconductor/internal/transport"
)

// BranchPolicy configures how one branch reacts to failures and budgets.
// OnFailure is required; there is no implicit default.
type BranchPolicy struct {
	OnFailure     string // models.OnFailureStop or models.OnFailureContinue
	ActionTimeout time.Duration
	BranchTimeout time.Duration
}

// BranchWork is everything a branch runner needs for one target: the branch
// serial assigned at dispatch, the frozen connection profile, and the ordered
// action templates.
type BranchWork struct {
	Serial  string
	Profile transport.Profile
	Actions []models.JobAction
	Policy  BranchPolicy
}

// BranchResult is the terminal state of one branch. The runner always yields
// one; it never lets an error escape its boundary.
type BranchResult struct {
	Serial       string
	Status       string
	ErrorMessage string
}

// BranchRunner executes the ordered action sequence for a single target,
// persisting every action result as it settles so observers can follow
// partial progress.
type BranchRunner struct {
	pool  *Pool
	exec  *ActionExecutor
	store *store.Store
}

// NewBranchRunner creates a branch runner.
func NewBranchRunner(pool *Pool, exec *ActionExecutor, st *store.Store) *BranchRunner {
	return &BranchRunner{pool: pool, exec: exec, store: st}
}

// Run executes the branch. Cancellation of ctx is observed cooperatively at
// each action boundary and at connection acquire; the per-branch budget is
// enforced on top of it.
func (r *BranchRunner) Run(ctx context.Context, work BranchWork) BranchResult {
	logger := ctxlog.FromContext(ctx).With("branch", work.Serial, "target", work.Profile.TargetSerial)

	// Persistence must survive cancellation: a cancelled branch still has to
	// record its terminal state.
	persistCtx := context.WithoutCancel(ctx)

	branchCtx := ctx
	cancel := context.CancelFunc(func() {})
	if work.Policy.BranchTimeout > 0 {
		branchCtx, cancel = context.WithTimeout(ctx, work.Policy.BranchTimeout)
	}
	defer cancel()

	if err := r.store.StartBranch(persistCtx, work.Serial); err != nil {
		logger.Error("failed to mark branch running", "error", err)
	}

	rows := make([]*models.ActionResult, len(work.Actions))
	for i, action := range work.Actions {
		rows[i] = &models.ActionResult{
			Serial:       serial.Child(work.Serial, int64(action.Position)),
			BranchSerial: work.Serial,
			Position:     action.Position,
			Name:         action.Name,
			Command:      action.Command,
			Status:       models.ActionScheduled,
		}
		if err := r.store.CreateActionResult(persistCtx, rows[i]); err != nil {
			logger.Error("failed to create action result", "serial", rows[i].Serial, "error", err)
		}
	}

	handle, err := r.pool.Acquire(branchCtx, work.Profile)
	if err != nil {
		status, msg := r.classifyAcquireErr(ctx, branchCtx, work.Policy, err)
		r.skipRows(persistCtx, rows, 0)
		return r.finish(persistCtx, logger, work.Serial, status, msg)
	}

	var anyFailed, anyTimedOut, halted bool
	var firstErr string

	for i, action := range work.Actions {
		row := rows[i]

		if halted {
			r.skipRow(persistCtx, row)
			continue
		}

		// Cancellation boundary.
		if ctx.Err() != nil {
			halted = true
			r.skipRow(persistCtx, row)
			continue
		}

		// Branch budget exhausted between actions.
		if branchCtx.Err() != nil {
			anyTimedOut = true
			halted = true
			if firstErr == "" {
				firstErr = (&TimeoutError{Scope: ScopeBranch, Budget: work.Policy.BranchTimeout}).Error()
			}
			r.skipRow(persistCtx, row)
			continue
		}

		// A timed-out action invalidated the previous connection; under the
		// continue policy the remaining actions need a fresh one.
		if handle == nil {
			handle, err = r.pool.Acquire(branchCtx, work.Profile)
			if err != nil {
				anyFailed = true
				halted = true
				if firstErr == "" {
					firstErr = err.Error()
				}
				r.skipRow(persistCtx, row)
				continue
			}
		}

		timeout := action.ActionTimeout(work.Policy.ActionTimeout)

		now := time.Now()
		row.Status = models.ActionRunning
		row.StartedAt = &now
		if err := r.store.SaveActionResult(persistCtx, row); err != nil {
			logger.Error("failed to persist running action", "serial", row.Serial, "error", err)
		}

		outcome := r.exec.Run(branchCtx, handle, ActionSpec{
			Serial:  row.Serial,
			Name:    action.Name,
			Command: action.Command,
			Timeout: timeout,
		})

		done := time.Now()
		row.Status = outcome.Status
		row.ExitCode = outcome.ExitCode
		row.Output = outcome.Output
		row.OutputTruncated = outcome.Truncated
		row.DurationMS = outcome.Duration.Milliseconds()
		row.CompletedAt = &done
		if outcome.Err != nil {
			row.ErrorMessage = outcome.Err.Error()
		}
		if err := r.store.SaveActionResult(persistCtx, row); err != nil {
			logger.Error("failed to persist action result", "serial", row.Serial, "error", err)
		}

		switch outcome.Status {
		case models.ActionFailed:
			anyFailed = true
			if firstErr == "" {
				firstErr = row.ErrorMessage
			}
			if work.Policy.OnFailure == models.OnFailureStop {
				halted = true
			}

		case models.ActionTimedOut:
			anyTimedOut = true
			if firstErr == "" {
				firstErr = row.ErrorMessage
			}
			// State of the connection is undefined now.
			r.pool.Invalidate(handle)
			handle = nil
			if work.Policy.OnFailure == models.OnFailureStop || branchCtx.Err() != nil || ctx.Err() != nil {
				halted = true
			}
		}
	}

	if handle != nil {
		r.pool.Release(handle)
	}

	status := models.BranchCompleted
	msg := ""
	switch {
	case ctx.Err() != nil:
		status = models.BranchCancelled
		msg = "execution cancelled"
	case anyTimedOut:
		status = models.BranchTimedOut
		msg = firstErr
	case anyFailed:
		status = models.BranchFailed
		msg = firstErr
	}

	return r.finish(persistCtx, logger, work.Serial, status, msg)
}

func (r *BranchRunner) classifyAcquireErr(ctx, branchCtx context.Context, policy BranchPolicy, err error) (string, string) {
	switch {
	case ctx.Err() != nil:
		return models.BranchCancelled, "execution cancelled"
	case branchCtx.Err() != nil:
		return models.BranchTimedOut, (&TimeoutError{Scope: ScopeBranch, Budget: policy.BranchTimeout}).Error()
	default:
		return models.BranchFailed, err.Error()
	}
}

func (r *BranchRunner) finish(ctx context.Context, logger *slog.Logger, branchSerial, status, msg string) BranchResult {
	if err := r.store.FinishBranch(ctx, branchSerial, status, msg); err != nil {
		logger.Error("failed to finish branch", "error", err)
	}
	logger.Info("branch finished", "status", status)
	return BranchResult{Serial: branchSerial, Status: status, ErrorMessage: msg}
}

func (r *BranchRunner) skipRows(ctx context.Context, rows []*models.ActionResult, from int) {
	for i := from; i < len(rows); i++ {
		r.skipRow(ctx, rows[i])
	}
}

func (r *BranchRunner) skipRow(ctx context.Context, row *models.ActionResult) {
	now := time.Now()
	row.Status = models.ActionSkipped
	row.CompletedAt = &now
	r.store.SaveActionResult(ctx, row)
}
