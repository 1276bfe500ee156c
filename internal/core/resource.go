package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// releaseTimeout bounds a single release, which runs even after the stage
// context has been cancelled.
const releaseTimeout = 2 * time.Minute

// ResourceHandle is an acquired external resource. Release runs its release
// callback exactly once no matter how many times or from where it is called.
type ResourceHandle struct {
	Kind       string
	ID         string
	Path       string
	AcquiredAt time.Time

	release  func(context.Context) error
	once     sync.Once
	err      error
	released atomic.Bool
}

// NewResourceHandle wraps an acquired resource and its release callback.
func NewResourceHandle(kind, id string, release func(context.Context) error) *ResourceHandle {
	return &ResourceHandle{Kind: kind, ID: id, AcquiredAt: time.Now(), release: release}
}

// Release releases the resource. Subsequent calls return the first result.
func (h *ResourceHandle) Release(ctx context.Context) error {
	err, _ := h.releaseOnce(ctx)
	return err
}

// Released reports whether the release callback has completed.
func (h *ResourceHandle) Released() bool { return h.released.Load() }

// releaseOnce reports ran=true only to the caller that executed the callback.
func (h *ResourceHandle) releaseOnce(ctx context.Context) (err error, ran bool) {
	h.once.Do(func() {
		ran = true
		if h.release != nil {
			h.err = h.release(ctx)
		}
		h.released.Store(true)
	})
	return h.err, ran
}

// ResourceSpec acquires one kind of resource for a stage.
type ResourceSpec interface {
	Kind() string
	Acquire(ctx context.Context, s *Scope) (*ResourceHandle, error)
}

// WithResource acquires spec, runs body, and releases the handle on every
// exit path: normal return, error, panic, or cancellation. A failed
// acquisition returns an ErrResourceAcquire error and releases nothing.
// Release failures are reported on the scope, not returned, so they never
// change the outcome the body already decided.
func WithResource(ctx context.Context, s *Scope, spec ResourceSpec, body func(context.Context, *ResourceHandle) error) error {
	h, err := spec.Acquire(ctx, s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResourceAcquire, spec.Kind(), err)
	}
	s.track(h)
	defer s.releaseHandle(ctx, h)
	return body(ctx, h)
}

func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

// ContainerResource is an ephemeral container, typically a scanner. Acquire
// starts it and waits for its readiness probe; release collects report files,
// archives them, then stops and removes the container.
type ContainerResource struct {
	Image    string
	Ports    []string
	Env      map[string]string
	Cmd      []string
	ReadyURL string
	Reports  []string
}

func (r *ContainerResource) Kind() string { return "container" }

func (r *ContainerResource) Acquire(ctx context.Context, s *Scope) (*ResourceHandle, error) {
	rt := s.ctrl.Containers
	if rt == nil {
		return nil, errors.New("no container runtime configured")
	}
	env := make(map[string]string, len(r.Env))
	for k, v := range r.Env {
		env[k] = s.Expand(v)
	}
	spec := ContainerSpec{
		Name:  "pipewarden-" + s.Context.RunKey() + "-" + sanitizeName(s.Stage),
		Image: s.Expand(r.Image),
		Ports: r.Ports,
		Env:   env,
		Cmd:   r.Cmd,
	}
	id, err := rt.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Image, err)
	}
	if r.ReadyURL != "" {
		if err := rt.WaitReady(ctx, id, s.Expand(r.ReadyURL)); err != nil {
			// Never handed out, so tear it down here.
			rctx, cancel := releaseContext(ctx)
			defer cancel()
			cleanup := errors.Join(rt.Stop(rctx, id, s.ctrl.grace()), rt.Remove(rctx, id))
			return nil, errors.Join(fmt.Errorf("readiness %s: %w", r.ReadyURL, err), cleanup)
		}
	}
	s.Logger.Info("Container started", "stage", s.Stage, "container", spec.Name, "image", spec.Image)
	h := NewResourceHandle(r.Kind(), id, func(rctx context.Context) error {
		return r.release(rctx, s, id)
	})
	h.Path = spec.Name
	return h, nil
}

func (r *ContainerResource) release(ctx context.Context, s *Scope, id string) error {
	rt := s.ctrl.Containers
	var collected []string
	for _, report := range r.Reports {
		paths, err := rt.CopyFrom(ctx, id, report, s.ReportDir())
		if err != nil {
			s.Logger.Warn("Report collection failed", "stage", s.Stage, "report", report, "error", err)
			continue
		}
		for _, p := range paths {
			s.Context.AddArtifact(filepath.Base(p), p)
		}
		collected = append(collected, paths...)
	}
	if len(collected) > 0 {
		if err := s.archive(ctx, collected, true); err != nil {
			s.Logger.Warn("Report archiving failed", "stage", s.Stage, "error", err)
		}
	}
	stopErr := rt.Stop(ctx, id, s.ctrl.grace())
	removeErr := rt.Remove(ctx, id)
	if removeErr != nil {
		return errors.Join(stopErr, removeErr)
	}
	s.Logger.Info("Container removed", "stage", s.Stage, "container", id)
	return nil
}

// TempDirResource is a stage-scoped scratch directory exposed as ${tempdir}.
type TempDirResource struct{}

func (TempDirResource) Kind() string { return "tempdir" }

func (TempDirResource) Acquire(_ context.Context, s *Scope) (*ResourceHandle, error) {
	base := s.Context.Workspace()
	if base == "" {
		base = os.TempDir()
	}
	dir, err := os.MkdirTemp(base, "tmp-"+sanitizeName(s.Stage)+"-*")
	if err != nil {
		return nil, err
	}
	s.setVar("tempdir", dir)
	h := NewResourceHandle("tempdir", dir, func(context.Context) error {
		return os.RemoveAll(dir)
	})
	h.Path = dir
	return h, nil
}
