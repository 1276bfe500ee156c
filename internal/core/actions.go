package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ShellAction runs a command through the controller's ProcessRunner in the
// run workspace. A nonzero exit is advisory unless FailOnNonzero is set.
type ShellAction struct {
	Label         string
	Script        string
	FailOnNonzero bool
	// Reports are workspace-relative files recorded as artifacts after the
	// command finishes, whatever its exit status.
	Reports []string
	Env     map[string]string
}

func (a *ShellAction) Name() string {
	if a.Label != "" {
		return a.Label
	}
	return "run"
}

func (a *ShellAction) Execute(ctx context.Context, s *Scope) error {
	script := s.Expand(a.Script)
	env := s.Context.Env()
	for k, v := range a.Env {
		env[k] = s.Expand(v)
	}
	s.Logger.Info("Step started", "stage", s.Stage, "action", a.Name())

	res, err := s.ctrl.runner().Execute(ctx, Command{Script: script, Env: env, Dir: s.Context.Workspace()})
	if res != nil {
		s.saveLog(a.Name(), formatOutput(script, res))
	}
	recordReports(s, a.Reports)
	if err != nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
	}
	return checkExit(s, a.Name(), res, a.FailOnNonzero)
}

// ExecAction runs a command inside the stage's container resource.
type ExecAction struct {
	Label         string
	Command       string
	FailOnNonzero bool
	Env           map[string]string
}

func (a *ExecAction) Name() string {
	if a.Label != "" {
		return a.Label
	}
	return "exec"
}

func (a *ExecAction) Execute(ctx context.Context, s *Scope) error {
	h := s.Container()
	if h == nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: errors.New("stage holds no container resource")}
	}
	command := s.Expand(a.Command)
	env := s.Context.Env()
	for k, v := range a.Env {
		env[k] = s.Expand(v)
	}
	s.Logger.Info("Step started", "stage", s.Stage, "action", a.Name(), "container", h.Path)

	res, err := s.ctrl.Containers.Exec(ctx, h.ID, []string{"sh", "-c", command}, env)
	if res != nil {
		s.saveLog(a.Name(), formatOutput(command, res))
	}
	if err != nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
	}
	return checkExit(s, a.Name(), res, a.FailOnNonzero)
}

// ArchiveAction sends files matching workspace-relative globs to the
// artifact store. No match is not an error.
type ArchiveAction struct {
	Patterns    []string
	Fingerprint bool
}

func (a *ArchiveAction) Name() string { return "archive" }

func (a *ArchiveAction) Execute(ctx context.Context, s *Scope) error {
	ws := s.Context.Workspace()
	seen := map[string]bool{}
	var files []string
	for _, pattern := range a.Patterns {
		pattern = s.Expand(pattern)
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(ws, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		s.Logger.Warn("Nothing to archive", "stage", s.Stage, "patterns", a.Patterns)
		return nil
	}
	sort.Strings(files)
	if err := s.archive(ctx, files, a.Fingerprint); err != nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
	}
	return nil
}

// NotifyAction sends a message to the notification channel. The provisional
// outcome is attached when the action runs as a pipeline post-action.
type NotifyAction struct {
	Message string
}

func (a *NotifyAction) Name() string { return "notify" }

func (a *NotifyAction) Execute(ctx context.Context, s *Scope) error {
	msg := s.Expand(a.Message)
	if s.ctrl.Notifier == nil {
		s.Logger.Info("Notification", "stage", s.Stage, "message", msg)
		return nil
	}
	n := Notification{Message: msg, Outcome: s.Context.Outcome()}
	if err := s.ctrl.Notifier.Notify(ctx, n); err != nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
	}
	return nil
}

// CheckoutAction clones a repository into the workspace with git. The
// checkout directory is exposed as ${checkout}.
type CheckoutAction struct {
	Repo string
	Ref  string
	Dir  string
}

func (a *CheckoutAction) Name() string { return "checkout" }

func (a *CheckoutAction) Execute(ctx context.Context, s *Scope) error {
	dir := s.Expand(a.Dir)
	if dir == "" {
		dir = "src"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.Context.Workspace(), dir)
	}
	args := []string{"git", "clone", "--depth", "1"}
	if ref := s.Expand(a.Ref); ref != "" {
		args = append(args, "--branch", shellQuote(ref))
	}
	args = append(args, shellQuote(s.Expand(a.Repo)), shellQuote(dir))
	script := strings.Join(args, " ")

	res, err := s.ctrl.runner().Execute(ctx, Command{Script: script, Env: s.Context.Env(), Dir: s.Context.Workspace()})
	if res != nil {
		s.saveLog(a.Name(), formatOutput(script, res))
	}
	if err != nil {
		return &OperationError{Action: a.Name(), ExitCode: -1, Err: err}
	}
	if err := checkExit(s, a.Name(), res, true); err != nil {
		return err
	}
	s.Context.SetVar("checkout", dir)
	return nil
}

func checkExit(s *Scope, action string, res *ProcessResult, failOnNonzero bool) error {
	if res.Succeeded() {
		return nil
	}
	if failOnNonzero {
		return &OperationError{Action: action, ExitCode: res.ExitCode}
	}
	s.Logger.Warn("Step exited nonzero, continuing", "stage", s.Stage, "action", action, "exit_code", res.ExitCode)
	return nil
}

func recordReports(s *Scope, reports []string) {
	ws := s.Context.Workspace()
	for _, r := range reports {
		path := s.Expand(r)
		if !filepath.IsAbs(path) {
			path = filepath.Join(ws, path)
		}
		if _, err := os.Stat(path); err != nil {
			s.Logger.Warn("Report not found", "stage", s.Stage, "report", r)
			continue
		}
		s.Context.AddArtifact(filepath.Base(path), path)
	}
}

func formatOutput(command string, res *ProcessResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", command)
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(res.Stderr)
	}
	fmt.Fprintf(&b, "\nexit code: %d (%s)\n", res.ExitCode, res.Duration.Round(time.Millisecond))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
