package main

import (
	"strconv"

	"pipewarden/internal/core"
)

// Exit codes of `pipewarden run`.
const (
	ExitSuccess  = 0
	ExitStage    = 1
	ExitTimeout  = 2
	ExitApproval = 3
	ExitInternal = 4
	ExitUsage    = 64
)

// exitError carries a process exit code out of a command. err may be nil
// when the command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: ExitUsage, err: err} }

// exitCode maps a finished run to the process exit code.
func exitCode(out *core.PipelineOutcome, fault error) int {
	if fault != nil {
		return ExitInternal
	}
	if out == nil || out.Succeeded() {
		return ExitSuccess
	}
	switch out.FailureKind {
	case core.FailureTimeout:
		return ExitTimeout
	case core.FailureApproval:
		return ExitApproval
	case core.FailureInternal:
		return ExitInternal
	default:
		return ExitStage
	}
}
