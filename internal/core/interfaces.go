package core

import (
	"context"
	"time"
)

// ProcessRunner executes shell-level commands. Implementations must not
// return an error for a nonzero exit status; that is reported in
// ProcessResult.ExitCode and left to the caller.
type ProcessRunner interface {
	Execute(ctx context.Context, cmd Command) (*ProcessResult, error)
}

// Command is one shell invocation.
type Command struct {
	Script string            `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
	Dir    string            `json:"dir,omitempty"`
}

// ProcessResult is the captured outcome of a command.
type ProcessResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the process exited with status zero.
func (r *ProcessResult) Succeeded() bool { return r != nil && r.ExitCode == 0 }

// ContainerSpec describes an ephemeral container to start.
type ContainerSpec struct {
	Name  string
	Image string
	// Ports are docker-style bindings, e.g. "8090:8090".
	Ports []string
	Env   map[string]string
	Cmd   []string
}

// ContainerRuntime starts and tears down containers.
type ContainerRuntime interface {
	Start(ctx context.Context, spec ContainerSpec) (string, error)
	WaitReady(ctx context.Context, id, url string) error
	Exec(ctx context.Context, id string, cmd []string, env map[string]string) (*ProcessResult, error)
	// CopyFrom copies srcPath out of the container into destDir and returns
	// the local paths written.
	CopyFrom(ctx context.Context, id, srcPath, destDir string) ([]string, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
}

// CredentialStore resolves a credential identifier to its secret value.
type CredentialStore interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// ArtifactRef identifies an archived artifact.
type ArtifactRef struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Archiver persists produced files. runKey namespaces the artifacts of one run.
type Archiver interface {
	Archive(ctx context.Context, runKey string, paths []string, fingerprint bool) ([]ArtifactRef, error)
}

// Notification is delivered to the notification channel.
type Notification struct {
	Message string
	Outcome *PipelineOutcome
	LogRef  string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink stores captured action output and returns where it was written.
type LogSink interface {
	SaveLog(runKey, stage, action, output string) (string, error)
}

// ReportWriter stores the final outcome of a run as a readable report.
type ReportWriter interface {
	WriteReport(runKey string, outcome *PipelineOutcome) (string, error)
}

// Recorder persists the execution log of a finished run.
type Recorder interface {
	RecordRun(outcome *PipelineOutcome) error
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	StageFinished(pipeline string, res StageResult)
	RunFinished(outcome *PipelineOutcome)
	ApprovalResolved(pipeline, stage string, state ApprovalState)
}

type noopObserver struct{}

func (noopObserver) StageFinished(string, StageResult) {}
func (noopObserver) RunFinished(*PipelineOutcome) {}
func (noopObserver) ApprovalResolved(string, string, ApprovalState) {}
