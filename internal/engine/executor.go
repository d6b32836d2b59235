package engine

import (
	"context"
	"errors"
	"time"

	"opsconductor/internal/models"
)

// ActionSpec is one action instance to run against one target connection.
type ActionSpec struct {
	Serial  string
	Name    string
	Command string
	Timeout time.Duration
}

// Outcome is the result of running one action. Status is one of the action
// statuses in models; Err carries the classified cause for failed and
// timed-out outcomes.
type Outcome struct {
	Status    string
	ExitCode  *int32
	Output    string
	Truncated bool
	Duration  time.Duration
	Err       error
}

// Invalidated reports whether the connection used for this outcome must not
// be returned to the pool.
func (o Outcome) Invalidated() bool {
	return o.Status == models.ActionTimedOut
}

// ActionExecutor runs a single action over a pooled connection with a
// per-action timeout. It never retries; retry policy lives a level up.
type ActionExecutor struct{}

// NewActionExecutor creates an action executor.
func NewActionExecutor() *ActionExecutor {
	return &ActionExecutor{}
}

// Run sends the action payload over the handle's connection and waits up to
// the action's timeout. Timed-out and cancelled runs retain whatever partial
// output the transport captured.
func (e *ActionExecutor) Run(ctx context.Context, handle *Handle, spec ActionSpec) Outcome {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	start := time.Now()
	result, err := handle.Conn.Run(runCtx, spec.Command)
	outcome := Outcome{Duration: time.Since(start)}

	if result != nil {
		outcome.Output = string(result.Output)
		outcome.Truncated = result.Truncated
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// An action in flight when cancellation lands is treated as
			// timed-out; either way the connection state is undefined.
			outcome.Status = models.ActionTimedOut
			outcome.Err = &TimeoutError{Scope: ScopeAction, Budget: spec.Timeout}
			return outcome
		}
		outcome.Status = models.ActionFailed
		outcome.Err = &TransportError{Target: handle.Target, Err: err}
		return outcome
	}

	exitCode := int32(result.ExitCode)
	outcome.ExitCode = &exitCode

	if result.ExitCode != 0 {
		outcome.Status = models.ActionFailed
		outcome.Err = &ActionFailure{ExitCode: result.ExitCode}
		return outcome
	}

	outcome.Status = models.ActionCompleted
	return outcome
}
