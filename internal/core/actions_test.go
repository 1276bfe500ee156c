package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exitWith(code int, cmds *[]Command) ProcessRunner {
	return funcRunner(func(_ context.Context, cmd Command) (*ProcessResult, error) {
		if cmds != nil {
			*cmds = append(*cmds, cmd)
		}
		return &ProcessResult{ExitCode: code}, nil
	})
}

func TestShellActionNonzeroExit(t *testing.T) {
	c := newTestController(t)
	c.Runner = exitWith(1, nil)
	s := newTestScope(t, c)

	// Scanners report findings through their exit status; advisory by default.
	assert.NoError(t, (&ShellAction{Script: "bandit -r ."}).Execute(context.Background(), s))

	err := (&ShellAction{Label: "bandit", Script: "bandit -r .", FailOnNonzero: true}).Execute(context.Background(), s)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 1, opErr.ExitCode)
	assert.Equal(t, "bandit", opErr.Action)
	assert.ErrorIs(t, err, ErrOperation)
}

func TestShellActionExpandsAndRecordsReports(t *testing.T) {
	c := newTestController(t)
	var cmds []Command
	c.Runner = exitWith(0, &cmds)
	s := newTestScope(t, c)
	ws := s.Context.Workspace()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "bandit-report.json"), []byte("{}"), 0o644))

	err := (&ShellAction{
		Script:  "bandit -f json -o bandit-report.json ${build}",
		Env:     map[string]string{"BRANCH": "${branch}"},
		Reports: []string{"bandit-report.json", "missing.json"},
	}).Execute(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, cmds, 1)
	assert.Equal(t, "bandit -f json -o bandit-report.json 42", cmds[0].Script)
	assert.Equal(t, "main", cmds[0].Env["BRANCH"])
	assert.Equal(t, ws, cmds[0].Dir)
	assert.Contains(t, s.Context.Artifacts(), "bandit-report.json")
	assert.NotContains(t, s.Context.Artifacts(), "missing.json")
}

func TestExecActionWithoutContainer(t *testing.T) {
	s := newTestScope(t, newTestController(t))
	err := (&ExecAction{Command: "zap-baseline.py"}).Execute(context.Background(), s)
	assert.ErrorIs(t, err, ErrOperation)
}

func TestArchiveActionGlobs(t *testing.T) {
	c := newTestController(t)
	arch := &fakeArchiver{}
	c.Archiver = arch
	s := newTestScope(t, c)
	ws := s.Context.Workspace()
	for _, name := range []string{"bandit-report.json", "safety-report.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(ws, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(ws, "dir-report.json"), 0o755))

	err := (&ArchiveAction{Patterns: []string{"*-report.json", "bandit-*"}, Fingerprint: true}).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(ws, "bandit-report.json"),
		filepath.Join(ws, "safety-report.json"),
	}, arch.archived())
	require.Len(t, s.Context.Archived(), 2)
	assert.Equal(t, "sha", s.Context.Archived()[0].SHA256)

	// No match is not an error.
	assert.NoError(t, (&ArchiveAction{Patterns: []string{"*.xml"}}).Execute(context.Background(), s))
}

func TestNotifyActionAttachesOutcome(t *testing.T) {
	c := newTestController(t)
	n := &recordingNotifier{}
	c.Notifier = n
	s := newTestScope(t, c)
	s.Context.setOutcome(&PipelineOutcome{Status: RunFailed})

	require.NoError(t, (&NotifyAction{Message: "build ${build} on ${branch}"}).Execute(context.Background(), s))
	assert.Equal(t, []string{"build 42 on main"}, n.messages())
	assert.Equal(t, RunFailed, n.sent[0].Outcome.Status)
}

func TestCheckoutActionQuotesArguments(t *testing.T) {
	c := newTestController(t)
	var cmds []Command
	c.Runner = exitWith(0, &cmds)
	s := newTestScope(t, c)

	err := (&CheckoutAction{Repo: "https://example.com/repo.git", Ref: "it's-${branch}"}).Execute(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	want := filepath.Join(s.Context.Workspace(), "src")
	assert.Equal(t, `git clone --depth 1 --branch 'it'\''s-main' 'https://example.com/repo.git' '`+want+`'`, cmds[0].Script)
	v, _ := s.Context.Var("checkout")
	assert.Equal(t, want, v)

	c.Runner = exitWith(128, nil)
	err = (&CheckoutAction{Repo: "bad"}).Execute(context.Background(), s)
	assert.ErrorIs(t, err, ErrOperation)
}
