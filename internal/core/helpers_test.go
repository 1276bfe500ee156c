package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcAction adapts a closure to Action.
type funcAction struct {
	name string
	fn   func(ctx context.Context, s *Scope) error
}

func (a *funcAction) Name() string { return a.name }

func (a *funcAction) Execute(ctx context.Context, s *Scope) error { return a.fn(ctx, s) }

func act(name string, fn func(ctx context.Context, s *Scope) error) Action {
	return &funcAction{name: name, fn: fn}
}

func ok(name string) Action {
	return act(name, func(context.Context, *Scope) error { return nil })
}

func fail(name string) Action {
	return act(name, func(context.Context, *Scope) error {
		return &OperationError{Action: name, ExitCode: 1}
	})
}

// blockUntilDone waits for cancellation, like a cooperative long-running tool.
func blockUntilDone(name string) Action {
	return act(name, func(ctx context.Context, _ *Scope) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

// counter records named events in order.
type counter struct {
	mu     sync.Mutex
	events []string
}

func (c *counter) add(e string) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *counter) count(e string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, x := range c.events {
		if x == e {
			n++
		}
	}
	return n
}

func (c *counter) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *counter) action(name string) Action {
	return act(name, func(context.Context, *Scope) error {
		c.add(name)
		return nil
	})
}

// funcRunner is a ProcessRunner backed by a closure.
type funcRunner func(ctx context.Context, cmd Command) (*ProcessResult, error)

func (f funcRunner) Execute(ctx context.Context, cmd Command) (*ProcessResult, error) {
	return f(ctx, cmd)
}

// mapCredentials resolves from a fixed map.
type mapCredentials map[string]string

func (m mapCredentials) Resolve(_ context.Context, id string) (string, error) {
	v, ok := m[id]
	if !ok {
		return "", errors.New("credential not found")
	}
	return v, nil
}

// fakeArchiver records archived paths.
type fakeArchiver struct {
	mu    sync.Mutex
	paths []string
	err   error
	order *counter
}

func (a *fakeArchiver) Archive(_ context.Context, runKey string, paths []string, fingerprint bool) ([]ArtifactRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.order != nil {
		a.order.add("archive")
	}
	if a.err != nil {
		return nil, a.err
	}
	refs := make([]ArtifactRef, 0, len(paths))
	for _, p := range paths {
		a.paths = append(a.paths, p)
		ref := ArtifactRef{Name: filepath.Base(p), URI: "mem://" + runKey + "/" + filepath.Base(p)}
		if fingerprint {
			ref.SHA256 = "sha"
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *fakeArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...)
}

// fakeContainers is an in-memory ContainerRuntime that records the call
// order and which containers are still present.
type fakeContainers struct {
	mu        sync.Mutex
	running   map[string]bool
	order     *counter
	seq       int
	exitCode  int
	readyErr  error
	removeErr error
	reports   map[string]string // container path -> content
}

func newFakeContainers(order *counter) *fakeContainers {
	return &fakeContainers{running: map[string]bool{}, order: order, reports: map[string]string{}}
}

func (f *fakeContainers) Start(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := spec.Name
	f.running[id] = true
	f.order.add("start")
	return id, nil
}

func (f *fakeContainers) WaitReady(context.Context, string, string) error {
	f.order.add("ready")
	return f.readyErr
}

func (f *fakeContainers) Exec(_ context.Context, id string, cmd []string, _ map[string]string) (*ProcessResult, error) {
	f.order.add("exec")
	return &ProcessResult{ExitCode: f.exitCode, Stdout: "scanned"}, nil
}

func (f *fakeContainers) CopyFrom(_ context.Context, id, srcPath, destDir string) ([]string, error) {
	f.order.add("copy")
	content, ok := f.reports[srcPath]
	if !ok {
		return nil, os.ErrNotExist
	}
	dest := filepath.Join(destDir, filepath.Base(srcPath))
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return []string{dest}, nil
}

func (f *fakeContainers) Stop(context.Context, string, time.Duration) error {
	f.order.add("stop")
	return nil
}

func (f *fakeContainers) Remove(_ context.Context, id string) error {
	f.order.add("remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	delete(f.running, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeContainers) present() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Message
	}
	return out
}

// fakeRecorder captures outcomes passed to RecordRun.
type fakeRecorder struct {
	mu   sync.Mutex
	runs []*PipelineOutcome
}

func (r *fakeRecorder) RecordRun(o *PipelineOutcome) error {
	r.mu.Lock()
	r.runs = append(r.runs, o)
	r.mu.Unlock()
	return nil
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return &Controller{
		Runner:            funcRunner(func(context.Context, Command) (*ProcessResult, error) { return &ProcessResult{}, nil }),
		Logger:            discardLogger(),
		GracePeriod:       50 * time.Millisecond,
		PostActionTimeout: time.Second,
		WorkspaceDir:      t.TempDir(),
	}
}

func newTestScope(t *testing.T, c *Controller) *Scope {
	t.Helper()
	pc := NewPipelineContext("run-1", "demo", "main", "42", time.Now().Add(time.Minute))
	pc.setWorkspace(t.TempDir())
	return newScope(c, pc, "stage")
}
