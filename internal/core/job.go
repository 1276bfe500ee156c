package core

import (
	"errors"
	"fmt"
)

// Step is a single instruction inside a stage. Exactly one of Run, Exec,
// Archive, Notify or Checkout is set.
type Step struct {
	Name string `yaml:"name"`

	Run           string            `yaml:"run"`  // local command (e.g. "go build ./...")
	Exec          string            `yaml:"exec"` // command inside the stage container
	FailOnNonzero bool              `yaml:"fail_on_nonzero"`
	Reports       []string          `yaml:"reports"`
	Env           map[string]string `yaml:"env"`

	Archive     []string `yaml:"archive"`
	Fingerprint *bool    `yaml:"fingerprint"`

	Notify string `yaml:"notify"`

	Checkout *CheckoutDef `yaml:"checkout"`
}

type CheckoutDef struct {
	Repo string `yaml:"repo"`
	Ref  string `yaml:"ref"`
	Dir  string `yaml:"dir"`
}

// action builds the runtime Action for s.
func (s Step) action() (Action, error) {
	set := 0
	for _, ok := range []bool{s.Run != "", s.Exec != "", len(s.Archive) > 0, s.Notify != "", s.Checkout != nil} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, errors.New("step has no action (run, exec, archive, notify or checkout)")
	case set > 1:
		return nil, errors.New("step sets more than one action")
	}

	switch {
	case s.Run != "":
		return &ShellAction{Label: s.Name, Script: s.Run, FailOnNonzero: s.FailOnNonzero, Reports: s.Reports, Env: s.Env}, nil
	case s.Exec != "":
		return &ExecAction{Label: s.Name, Command: s.Exec, FailOnNonzero: s.FailOnNonzero, Env: s.Env}, nil
	case len(s.Archive) > 0:
		fingerprint := true
		if s.Fingerprint != nil {
			fingerprint = *s.Fingerprint
		}
		return &ArchiveAction{Patterns: s.Archive, Fingerprint: fingerprint}, nil
	case s.Notify != "":
		return &NotifyAction{Message: s.Notify}, nil
	default:
		if s.Checkout.Repo == "" {
			return nil, errors.New("checkout needs a repo")
		}
		return &CheckoutAction{Repo: s.Checkout.Repo, Ref: s.Checkout.Ref, Dir: s.Checkout.Dir}, nil
	}
}

func compileSteps(steps []Step) ([]Action, error) {
	actions := make([]Action, 0, len(steps))
	for i, step := range steps {
		a, err := step.action()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
