package core

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineDef is the YAML form of a pipeline (pipeline.yaml).
type PipelineDef struct {
	Name        string            `yaml:"name"`
	Timeout     Duration          `yaml:"timeout"`
	Environment map[string]string `yaml:"environment"`
	Stages      []StageDef        `yaml:"stages"`
	Post        PostDef           `yaml:"post"`
}

// StageDef is one stage. Stages run sequentially in declaration order.
type StageDef struct {
	Name        string          `yaml:"name"`
	When        string          `yaml:"when"`   // expr guard, e.g. branch == "main"
	Branch      string          `yaml:"branch"` // shorthand for when: branch == "<name>"
	Timeout     Duration        `yaml:"timeout"`
	OnFailure   string          `yaml:"on_failure"` // abort | continue
	Credentials []CredentialDef `yaml:"credentials"`
	Resources   []ResourceDef   `yaml:"resources"`
	Approval    *ApprovalDef    `yaml:"approval"`
	Steps       []Step          `yaml:"steps"`
	Post        PostDef         `yaml:"post"`
}

type PostDef struct {
	Always  []Step `yaml:"always"`
	Success []Step `yaml:"success"`
	Failure []Step `yaml:"failure"`
}

type CredentialDef struct {
	ID  string `yaml:"id"`
	Env string `yaml:"env"`
}

// ResourceDef holds exactly one resource kind.
type ResourceDef struct {
	Container *ContainerDef `yaml:"container"`
	TempDir   bool          `yaml:"tempdir"`
}

type ContainerDef struct {
	Image    string            `yaml:"image"`
	Ports    []string          `yaml:"ports"`
	Env      map[string]string `yaml:"env"`
	Cmd      []string          `yaml:"cmd"`
	ReadyURL string            `yaml:"ready_url"`
	Reports  []string          `yaml:"reports"`
}

type ApprovalDef struct {
	Timeout   Duration `yaml:"timeout"`
	Message   string   `yaml:"message"`
	Approvers []string `yaml:"approvers"`
}

// Duration accepts Go duration strings such as "45m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Validate checks the compiled pipeline before a run starts.
func (p *Pipeline) Validate() error {
	if p == nil {
		return errors.New("nil pipeline")
	}
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st == nil || st.Name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("stage %q: duplicate stage name", st.Name)
		}
		seen[st.Name] = true
		switch st.Policy {
		case "", AbortPipeline, ContinuePipeline:
		default:
			return fmt.Errorf("stage %q: unknown failure policy %q", st.Name, st.Policy)
		}
		if st.Timeout < 0 {
			return fmt.Errorf("stage %q: negative timeout", st.Name)
		}
	}
	return nil
}
