package engine

import (
	"fmt"
	"time"
)

// Timeout scopes.
const (
	ScopeAction = "action"
	ScopeBranch = "branch"
)

// TransportError means a connection to the target could not be established or
// maintained. The pool retries a fresh dial once per acquire before surfacing
// it; nothing above the pool retries.
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error to %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ActionFailure means the target executed the action and reported failure.
// Never retried automatically; the branch policy decides what happens next.
type ActionFailure struct {
	ExitCode int
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action exited with code %d", e.ExitCode)
}

// TimeoutError covers both action- and branch-scoped budget overruns. The
// connection involved is always invalidated.
type TimeoutError struct {
	Scope  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Scope, e.Budget)
}

// CapacityError means the pool stayed exhausted past the acquire timeout.
type CapacityError struct {
	Target string
	Waited time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("connection pool busy for %s after %s", e.Target, e.Waited)
}

// ResolutionError means the target selector resolved to nothing. The dispatch
// fails before any execution record is created.
type ResolutionError struct {
	Selector string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("selector %q could not be resolved: %v", e.Selector, e.Err)
	}
	return fmt.Sprintf("selector %q matched no targets", e.Selector)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
