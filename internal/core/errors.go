package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the orchestrator's failure taxonomy. Typed errors below
// unwrap to these so callers can classify with errors.Is.
var (
	ErrGuardFault        = errors.New("guard evaluation fault")
	ErrOperation         = errors.New("operation failed")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("run cancelled")
	ErrResourceAcquire   = errors.New("resource acquisition failed")
	ErrResourceRelease   = errors.New("resource release failed")
	ErrApprovalRejected  = errors.New("approval rejected")
	ErrApprovalExpired   = errors.New("approval expired")
	ErrInternal          = errors.New("internal orchestrator fault")
	ErrMissingInput      = errors.New("required input not set")
	ErrNoPendingApproval = errors.New("no pending approval")
)

// OperationError reports a tool or process failure inside a stage body.
type OperationError struct {
	Action   string
	ExitCode int
	Err      error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s: exited with code %d", e.Action, e.ExitCode)
}

func (e *OperationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrOperation, e.Err}
	}
	return []error{ErrOperation}
}

// TimeoutError is returned by WithDeadline when the deadline fires before the
// operation completes. Forced is set when the operation did not acknowledge
// cancellation within the grace period.
type TimeoutError struct {
	After  time.Duration
	Forced bool
}

func (e *TimeoutError) Error() string {
	if e.Forced {
		return fmt.Sprintf("timed out after %s (forced termination)", e.After)
	}
	return fmt.Sprintf("timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// InternalFault is a bug in the controller or an action implementation
// (a recovered panic). It always aborts the run.
type InternalFault struct {
	Stage string
	Value any
	Stack []byte
}

func (e *InternalFault) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("internal orchestrator fault: %v", e.Value)
	}
	return fmt.Sprintf("internal orchestrator fault in stage %q: %v", e.Stage, e.Value)
}

func (e *InternalFault) Unwrap() error { return ErrInternal }

// ReleaseError wraps a failure while releasing an acquired resource.
type ReleaseError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *ReleaseError) Unwrap() []error { return []error{ErrResourceRelease, e.Err} }
