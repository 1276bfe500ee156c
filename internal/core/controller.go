package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultGlobalTimeout bounds a run whose pipeline sets no timeout.
	DefaultGlobalTimeout = time.Hour
	// DefaultPostActionTimeout bounds each post-action.
	DefaultPostActionTimeout = 5 * time.Minute
)

// Pipeline is a compiled pipeline definition, ready to run.
type Pipeline struct {
	Name        string
	Timeout     time.Duration
	Environment map[string]string
	Stages      []*Stage
	Post        PostActions
}

// RunOptions identifies one run of a pipeline.
type RunOptions struct {
	RunID   string
	Branch  string
	BuildID string
	// Timeout overrides the pipeline's own global timeout when positive.
	Timeout time.Duration
	// Vars are extra ${name} placeholders, e.g. scan_target_url.
	Vars map[string]string
}

// Controller runs pipelines. Its collaborators are optional unless a stage
// needs them; a stage asking for a missing one fails at that point.
type Controller struct {
	Runner      ProcessRunner
	Containers  ContainerRuntime
	Credentials CredentialStore
	Archiver    Archiver
	Notifier    Notifier
	Approvals   *ApprovalBroker
	Logs        LogSink
	Reports     ReportWriter
	Recorder    Recorder
	Observer    Observer
	Tracer      trace.Tracer
	Logger      *slog.Logger

	GracePeriod       time.Duration
	PostActionTimeout time.Duration
	// GlobalTimeout bounds runs whose pipeline sets no timeout of its own.
	GlobalTimeout time.Duration
	// ApprovalTimeout bounds gates that set no timeout of their own.
	ApprovalTimeout time.Duration
	// WorkspaceDir holds one working directory per run. Empty means a
	// temporary directory that is removed when the run ends.
	WorkspaceDir string
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Controller) tracer() trace.Tracer {
	if c.Tracer == nil {
		return otel.Tracer("pipewarden/core")
	}
	return c.Tracer
}

func (c *Controller) observer() Observer {
	if c.Observer == nil {
		return noopObserver{}
	}
	return c.Observer
}

func (c *Controller) grace() time.Duration {
	if c.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return c.GracePeriod
}

func (c *Controller) postTimeout() time.Duration {
	if c.PostActionTimeout <= 0 {
		return DefaultPostActionTimeout
	}
	return c.PostActionTimeout
}

func (c *Controller) runner() ProcessRunner {
	if c.Runner == nil {
		return NewExecutor(c.grace())
	}
	return c.Runner
}

// Run executes p to completion and returns its outcome. A non-nil outcome is
// returned for every run that started, including runs aborted by an internal
// fault; in that case the fault is returned as the error as well.
func (c *Controller) Run(ctx context.Context, p *Pipeline, opts RunOptions) (*PipelineOutcome, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.CheckInputs(opts.Vars); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.BuildID == "" {
		opts.BuildID = opts.RunID
		if len(opts.BuildID) > 8 {
			opts.BuildID = opts.BuildID[:8]
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.Timeout
	}
	if timeout <= 0 {
		timeout = c.GlobalTimeout
	}
	if timeout <= 0 {
		timeout = DefaultGlobalTimeout
	}

	started := time.Now()
	deadline := started.Add(timeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	runCtx, span := c.tracer().Start(runCtx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.Name),
			attribute.String("pipeline.run_id", opts.RunID),
			attribute.String("pipeline.branch", opts.Branch),
		))
	defer span.End()

	logger := c.logger().With("run", opts.RunID, "pipeline", p.Name)
	pc := NewPipelineContext(opts.RunID, p.Name, opts.Branch, opts.BuildID, deadline)
	pc.setBaseEnv(p.Environment)
	for k, v := range opts.Vars {
		pc.SetVar(k, v)
	}

	out := &PipelineOutcome{
		RunID:     opts.RunID,
		Pipeline:  p.Name,
		Branch:    opts.Branch,
		BuildID:   opts.BuildID,
		StartedAt: started,
	}
	logger.Info("Pipeline started", "branch", opts.Branch, "build", opts.BuildID,
		"stages", len(p.Stages), "timeout", timeout)

	cleanupWorkspace, err := c.prepareWorkspace(pc)
	var fault *InternalFault
	if err != nil {
		fault = &InternalFault{Value: err}
		sched := NewScheduler(p.Stages)
		out.Stages = sched.Remaining(time.Now())
	} else {
		defer cleanupWorkspace()
		fault = c.runStages(runCtx, pc, p, out)
	}

	out.Status, out.FailureKind, out.FailedStage = c.summarize(out)
	if fault != nil {
		out.Status = RunFailed
		out.FailureKind = FailureInternal
		out.FailedStage = fault.Stage
		logger.Error("Internal fault, aborting run", "error", fault, "stack", string(fault.Stack))
	}
	for _, r := range out.Stages {
		out.CleanupDegraded = out.CleanupDegraded || r.CleanupDegraded
	}
	pc.setOutcome(out)

	post := newScope(c, pc, "pipeline")
	c.runPostActions(runCtx, post, "always", p.Post.Always)
	if fault == nil {
		if out.Succeeded() {
			c.runPostActions(runCtx, post, "success", p.Post.Success)
		} else {
			c.runPostActions(runCtx, post, "failure", p.Post.Failure)
		}
	}
	out.CleanupDegraded = out.CleanupDegraded || post.cleanupDegraded()
	out.Artifacts = pc.Archived()
	out.FinishedAt = time.Now()

	c.finish(context.WithoutCancel(runCtx), out, logger)

	if out.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("%s: %s", out.FailureKind, out.FailedStage))
	}
	logger.Info("Pipeline finished", "status", out.Status, "failure_kind", out.FailureKind,
		"failed_stage", out.FailedStage, "cleanup_degraded", out.CleanupDegraded,
		"elapsed", out.FinishedAt.Sub(out.StartedAt))

	if fault != nil {
		return out, fault
	}
	return out, nil
}

// runStages executes stages in order and appends exactly one result per
// stage to out. A panic in the controller itself is converted to a fault.
func (c *Controller) runStages(ctx context.Context, pc *PipelineContext, p *Pipeline, out *PipelineOutcome) (fault *InternalFault) {
	sched := NewScheduler(p.Stages)
	var inflight *Stage
	defer func() {
		if r := recover(); r != nil {
			fault = &InternalFault{Value: r, Stack: debug.Stack()}
			now := time.Now()
			if inflight != nil {
				fault.Stage = inflight.Name
				out.Stages = append(out.Stages, StageResult{
					Stage: inflight.Name, Status: StageFailed, Kind: FailureInternal,
					Reason: fault.Error(), StartedAt: now, FinishedAt: now, Err: fault,
				})
			}
			out.Stages = append(out.Stages, sched.Remaining(now)...)
		}
	}()

	for {
		st, i, ok := sched.Next()
		if !ok {
			break
		}
		inflight = st
		res, f := c.runStage(ctx, pc, st, i)
		inflight = nil
		out.Stages = append(out.Stages, res)
		c.observer().StageFinished(p.Name, res)

		switch {
		case f != nil:
			fault = f
			sched.Abort()
		case res.Failed() && st.policy() == AbortPipeline:
			out.abortedBy = st.Name
			sched.Abort()
		case ctx.Err() != nil:
			// Global deadline or cancellation: nothing further may start.
			if res.Failed() {
				out.abortedBy = st.Name
			}
			sched.Abort()
		}
	}
	out.Stages = append(out.Stages, sched.Remaining(time.Now())...)
	return fault
}

// summarize computes the aggregate status. The stage that aborted the run
// decides the failure kind; otherwise the first failed stage does.
func (c *Controller) summarize(out *PipelineOutcome) (RunStatus, FailureKind, string) {
	status, kind, stage := aggregate(out.Stages)
	if out.abortedBy != "" {
		if r, ok := out.Result(out.abortedBy); ok {
			return RunFailed, r.Kind, r.Stage
		}
	}
	return status, kind, stage
}

func (c *Controller) prepareWorkspace(pc *PipelineContext) (func(), error) {
	if c.WorkspaceDir != "" {
		dir := filepath.Join(c.WorkspaceDir, pc.RunKey())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		pc.setWorkspace(dir)
		return func() {}, nil
	}
	dir, err := os.MkdirTemp("", "pipewarden-"+pc.RunKey()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	pc.setWorkspace(dir)
	return func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger().Warn("Failed to remove workspace", "dir", dir, "error", err)
		}
	}, nil
}

// finish persists and publishes the final outcome. Failures here are logged;
// the outcome itself is already decided.
func (c *Controller) finish(ctx context.Context, out *PipelineOutcome, logger *slog.Logger) {
	if c.Reports != nil {
		key := runKey(out.Pipeline, out.BuildID, out.RunID)
		path, err := c.Reports.WriteReport(key, out)
		if err != nil {
			logger.Error("Failed to write report", "error", err)
		} else {
			out.ReportPath = path
			c.archiveReport(ctx, key, out, logger)
		}
	}
	if c.Recorder != nil {
		if err := c.Recorder.RecordRun(out); err != nil {
			logger.Error("Failed to record run in ledger", "error", err)
		}
	}
	if c.Notifier != nil {
		n := Notification{
			Message: fmt.Sprintf("Pipeline %s #%s %s", out.Pipeline, out.BuildID, out.Status),
			Outcome: out,
			LogRef:  out.ReportPath,
		}
		if err := c.Notifier.Notify(ctx, n); err != nil {
			logger.Warn("Failed to send run notification", "error", err)
		}
	}
	c.observer().RunFinished(out)
}

// archiveReport stores report.json next to the run's other artifacts. The
// ref is added to the in-memory outcome only; the file predates it.
func (c *Controller) archiveReport(ctx context.Context, runKey string, out *PipelineOutcome, logger *slog.Logger) {
	if c.Archiver == nil {
		return
	}
	refs, err := c.Archiver.Archive(ctx, runKey, []string{out.ReportPath}, true)
	if err != nil {
		logger.Warn("Failed to archive report", "error", err)
		return
	}
	out.Artifacts = append(out.Artifacts, refs...)
}
