package core

import "time"

// StageStatus is the recorded outcome of one stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageTimedOut  StageStatus = "timed-out"
)

// SkipReason qualifies a skipped stage.
type SkipReason string

const (
	SkipGuardFalse SkipReason = "guard-false"
	SkipAborted    SkipReason = "aborted"
)

// FailureKind classifies why a stage or run failed.
type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureStage    FailureKind = "stage"
	FailureTimeout  FailureKind = "timeout"
	FailureApproval FailureKind = "approval"
	FailureInternal FailureKind = "internal"
)

// StageResult is produced exactly once per stage per run.
type StageResult struct {
	Stage           string      `json:"stage"`
	Status          StageStatus `json:"status"`
	SkipReason      SkipReason  `json:"skipReason,omitempty"`
	Kind            FailureKind `json:"failureKind,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	StartedAt       time.Time   `json:"startedAt"`
	FinishedAt      time.Time   `json:"finishedAt"`
	CleanupDegraded bool        `json:"cleanupDegraded,omitempty"`
	Logs            []string    `json:"logs,omitempty"`

	Err error `json:"-"`
}

// Failed reports whether the result counts against the aggregate outcome.
func (r StageResult) Failed() bool {
	return r.Status == StageFailed || r.Status == StageTimedOut
}

// Duration is the wall time the stage took.
func (r StageResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStatus is the aggregate outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// PipelineOutcome is the final report of a run. Every run produces one,
// including aborted runs and runs that hit an internal fault.
type PipelineOutcome struct {
	RunID           string        `json:"runId"`
	Pipeline        string        `json:"pipeline"`
	Branch          string        `json:"branch"`
	BuildID         string        `json:"buildId"`
	Status          RunStatus     `json:"status"`
	FailureKind     FailureKind   `json:"failureKind,omitempty"`
	FailedStage     string        `json:"failedStage,omitempty"`
	Stages          []StageResult `json:"stages"`
	Artifacts       []ArtifactRef `json:"artifacts,omitempty"`
	CleanupDegraded bool          `json:"cleanupDegraded"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
	ReportPath      string        `json:"reportPath,omitempty"`

	abortedBy string
}

// Succeeded reports whether the run as a whole succeeded.
func (o *PipelineOutcome) Succeeded() bool { return o != nil && o.Status == RunSucceeded }

// Result returns the recorded result for the named stage.
func (o *PipelineOutcome) Result(stage string) (StageResult, bool) {
	for _, r := range o.Stages {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// Statuses returns the stage statuses in execution-log order.
func (o *PipelineOutcome) Statuses() []StageStatus {
	out := make([]StageStatus, len(o.Stages))
	for i, r := range o.Stages {
		out[i] = r.Status
	}
	return out
}

// aggregate computes the run status: any failed or timed-out stage fails the
// run, regardless of later successes. Skipped stages never count.
func aggregate(results []StageResult) (RunStatus, FailureKind, string) {
	for _, r := range results {
		if r.Failed() {
			return RunFailed, r.Kind, r.Stage
		}
	}
	return RunSucceeded, FailureNone, ""
}
