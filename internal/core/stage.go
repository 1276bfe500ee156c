package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FailurePolicy decides what a failed or timed-out stage does to the run.
type FailurePolicy string

const (
	AbortPipeline    FailurePolicy = "abort-pipeline"
	ContinuePipeline FailurePolicy = "continue-pipeline"
)

// Action is one step of a stage body or post-action list.
type Action interface {
	Name() string
	Execute(ctx context.Context, s *Scope) error
}

// PostActions are keyed by outcome. Always runs first, then exactly one of
// Success or Failure.
type PostActions struct {
	Always  []Action
	Success []Action
	Failure []Action
}

// Stage is an immutable stage definition.
type Stage struct {
	Name        string
	Guard       Guard
	Timeout     time.Duration
	Policy      FailurePolicy
	Credentials []CredentialRef
	Resources   []ResourceSpec
	Body        []Action
	Post        PostActions
}

func (st *Stage) policy() FailurePolicy {
	if st.Policy == "" {
		return AbortPipeline
	}
	return st.Policy
}

// Scope is what actions see while a stage executes: the pipeline context,
// the stage's acquired resources, and the controller's collaborators.
type Scope struct {
	Context *PipelineContext
	Stage   string
	Logger  *slog.Logger

	ctrl *Controller

	mu       sync.Mutex
	handles  []*ResourceHandle
	vars     map[string]string
	logs     []string
	seq      int
	degraded bool
}

func newScope(c *Controller, pc *PipelineContext, stage string) *Scope {
	return &Scope{
		Context: pc,
		Stage:   stage,
		Logger:  c.logger().With("run", pc.RunID()),
		ctrl:    c,
		vars:    map[string]string{},
	}
}

// Expand substitutes ${name} placeholders, stage-scoped variables first.
func (s *Scope) Expand(str string) string {
	s.mu.Lock()
	for k, v := range s.vars {
		str = replacePlaceholder(str, k, v)
	}
	s.mu.Unlock()
	return s.Context.Expand(str)
}

func replacePlaceholder(str, name, value string) string {
	return placeholderPattern.ReplaceAllStringFunc(str, func(match string) string {
		if placeholderPattern.FindStringSubmatch(match)[1] == name {
			return value
		}
		return match
	})
}

func (s *Scope) setVar(name, value string) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Container returns the stage's container resource, if one is held.
func (s *Scope) Container() *ResourceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.handles) - 1; i >= 0; i-- {
		if h := s.handles[i]; h.Kind == "container" && !h.Released() {
			return h
		}
	}
	return nil
}

// ReportDir is where reports collected for this stage are written.
func (s *Scope) ReportDir() string {
	base := s.Context.Workspace()
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "reports", sanitizeName(s.Stage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.Logger.Warn("Cannot create report dir", "dir", dir, "error", err)
	}
	return dir
}

func (s *Scope) track(h *ResourceHandle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

func (s *Scope) markDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

func (s *Scope) cleanupDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// releaseHandle releases h once. A failure is logged and marks the scope as
// cleanup-degraded; it is never returned to the body.
func (s *Scope) releaseHandle(ctx context.Context, h *ResourceHandle) {
	rctx, cancel := releaseContext(ctx)
	defer cancel()
	err, ran := h.releaseOnce(rctx)
	if !ran || err == nil {
		return
	}
	s.markDegraded()
	s.Logger.Error("Resource release failed", "stage", s.Stage, "kind", h.Kind, "id", h.ID,
		"error", &ReleaseError{Kind: h.Kind, ID: h.ID, Err: err})
}

// releaseAll releases, newest first, anything still held. It is the backstop
// for bodies abandoned after a forced timeout.
func (s *Scope) releaseAll(ctx context.Context) {
	s.mu.Lock()
	handles := append([]*ResourceHandle(nil), s.handles...)
	s.mu.Unlock()
	for i := len(handles) - 1; i >= 0; i-- {
		s.releaseHandle(ctx, handles[i])
	}
}

func (s *Scope) saveLog(action, output string) {
	if s.ctrl.Logs == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("%02d_%s", s.seq, action)
	s.mu.Unlock()

	path, err := s.ctrl.Logs.SaveLog(s.Context.RunKey(), s.Stage, name, output)
	if err != nil {
		s.Logger.Warn("Failed to save log", "stage", s.Stage, "action", action, "error", err)
		return
	}
	s.mu.Lock()
	s.logs = append(s.logs, path)
	s.mu.Unlock()
}

func (s *Scope) logPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

func (s *Scope) archive(ctx context.Context, paths []string, fingerprint bool) error {
	if s.ctrl.Archiver == nil {
		s.Logger.Warn("No artifact store configured, keeping files local", "stage", s.Stage, "files", len(paths))
		return nil
	}
	refs, err := s.ctrl.Archiver.Archive(ctx, s.Context.RunKey(), paths, fingerprint)
	if err != nil {
		return err
	}
	s.Context.addArchived(refs)
	s.Logger.Info("Artifacts archived", "stage", s.Stage, "count", len(refs))
	return nil
}

// runBody binds credentials, acquires resources, then runs the actions in
// order. The first failing action stops the body.
func (s *Scope) runBody(ctx context.Context, st *Stage) error {
	return WithCredentials(ctx, s, st.Credentials, func(ctx context.Context) error {
		return s.withResources(ctx, st.Resources, func(ctx context.Context) error {
			for _, a := range st.Body {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := a.Execute(ctx, s); err != nil {
					return fmt.Errorf("%s: %w", a.Name(), err)
				}
			}
			return nil
		})
	})
}

func (s *Scope) withResources(ctx context.Context, specs []ResourceSpec, body func(context.Context) error) error {
	if len(specs) == 0 {
		return body(ctx)
	}
	return WithResource(ctx, s, specs[0], func(ctx context.Context, _ *ResourceHandle) error {
		return s.withResources(ctx, specs[1:], body)
	})
}

// runStage produces exactly one StageResult for st. An internal fault is
// returned separately so the controller can abort.
func (c *Controller) runStage(ctx context.Context, pc *PipelineContext, st *Stage, index int) (StageResult, *InternalFault) {
	logger := c.logger().With("run", pc.RunID(), "pipeline", pc.Pipeline())
	res := StageResult{Stage: st.Name, StartedAt: time.Now()}

	ok, gerr := evaluateGuard(st.Guard, pc)
	if gerr != nil {
		logger.Warn("Guard fault, skipping stage", "stage", st.Name, "error", gerr)
	}
	if !ok {
		res.Status = StageSkipped
		res.SkipReason = SkipGuardFalse
		if gerr != nil {
			res.Reason = gerr.Error()
		}
		res.FinishedAt = time.Now()
		logger.Info("Stage skipped", "stage", st.Name, "reason", SkipGuardFalse)
		return res, nil
	}

	ctx, span := c.tracer().Start(ctx, "pipeline.stage."+st.Name,
		trace.WithAttributes(
			attribute.String("pipeline.stage.name", st.Name),
			attribute.Int("pipeline.stage.index", index),
		))
	defer span.End()

	logger.Info("Stage started", "stage", st.Name, "index", index, "timeout", st.Timeout)
	scope := newScope(c, pc, st.Name)

	_, err := WithDeadline(ctx, st.Timeout, c.grace(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, scope.runBody(ctx, st)
	})
	// Resources must be confirmed released before the outcome is recorded.
	scope.releaseAll(ctx)

	var fault *InternalFault
	res.Status, res.Kind = classify(err)
	if err != nil {
		res.Reason = err.Error()
		res.Err = err
		if errors.As(err, &fault) {
			fault.Stage = st.Name
			res.Reason = fault.Error()
		}
	}

	if res.Failed() {
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Reason)
		logger.Error("Stage failed", "stage", st.Name, "status", res.Status, "error", err,
			"elapsed", time.Since(res.StartedAt))
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("Stage completed", "stage", st.Name, "elapsed", time.Since(res.StartedAt))
	}

	c.runPostActions(ctx, scope, "always", st.Post.Always)
	if res.Failed() {
		c.runPostActions(ctx, scope, "failure", st.Post.Failure)
	} else {
		c.runPostActions(ctx, scope, "success", st.Post.Success)
	}

	res.CleanupDegraded = scope.cleanupDegraded()
	res.Logs = scope.logPaths()
	res.FinishedAt = time.Now()
	return res, fault
}

// classify maps a stage body error to a status and failure kind.
func classify(err error) (StageStatus, FailureKind) {
	switch {
	case err == nil:
		return StageSucceeded, FailureNone
	case errors.Is(err, ErrInternal):
		return StageFailed, FailureInternal
	case errors.Is(err, ErrTimeout):
		return StageTimedOut, FailureTimeout
	case errors.Is(err, ErrApprovalRejected), errors.Is(err, ErrApprovalExpired):
		return StageFailed, FailureApproval
	default:
		return StageFailed, FailureStage
	}
}

// runPostActions runs every action in the list under its own bound, even if
// the stage or run context is already done. Failures are logged and mark the
// scope cleanup-degraded; they never re-trigger post-actions.
func (c *Controller) runPostActions(ctx context.Context, s *Scope, phase string, actions []Action) {
	if len(actions) == 0 {
		return
	}
	pctx := context.WithoutCancel(ctx)
	for _, a := range actions {
		_, err := WithDeadline(pctx, c.postTimeout(), c.grace(), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.Execute(ctx, s)
		})
		s.releaseAll(pctx)
		if err != nil {
			s.markDegraded()
			s.Logger.Error("Post-action failed", "stage", s.Stage, "phase", phase, "action", a.Name(), "error", err)
		}
	}
}
