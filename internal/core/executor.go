package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Executor runs commands in a local shell (sh -c). It holds no state across
// calls and never treats a nonzero exit as an error.
type Executor struct {
	Shell string
	// GracePeriod is how long a cancelled command gets after SIGTERM before
	// it is killed.
	GracePeriod time.Duration
}

func NewExecutor(grace time.Duration) *Executor {
	return &Executor{Shell: "sh", GracePeriod: grace}
}

// Execute runs c and returns its exit status and output. The error is non-nil
// only if the command could not be started or ctx ended before it finished.
func (e *Executor) Execute(ctx context.Context, c Command) (*ProcessResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)

	// Signal the whole process group so children of the shell stop too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("start %s: %w", shell, err)
}

// mergeEnv overlays overrides onto a KEY=VALUE environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[name]; !overridden {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
