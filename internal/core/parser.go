package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ParsePipeline parses YAML content into a PipelineDef. Unknown keys are
// rejected.
func ParsePipeline(data []byte) (*PipelineDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def PipelineDef
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty pipeline definition")
		}
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	return &def, nil
}

// LoadPipeline reads a pipeline.yaml file and compiles it.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p, err := Compile(def)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Compile turns a definition into a runnable Pipeline: guards are compiled,
// steps become actions, and an approval stage gets its gate as the first
// body action.
func Compile(def *PipelineDef) (*Pipeline, error) {
	p := &Pipeline{
		Name:        def.Name,
		Timeout:     time.Duration(def.Timeout),
		Environment: def.Environment,
	}
	for i, sd := range def.Stages {
		st, err := compileStage(sd)
		if err != nil {
			name := sd.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		p.Stages = append(p.Stages, st)
	}
	post, err := compilePost(def.Post)
	if err != nil {
		return nil, fmt.Errorf("pipeline post: %w", err)
	}
	p.Post = post
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func compileStage(sd StageDef) (*Stage, error) {
	st := &Stage{Name: sd.Name, Timeout: time.Duration(sd.Timeout)}

	switch {
	case sd.When != "" && sd.Branch != "":
		return nil, errors.New("set either when or branch, not both")
	case sd.When != "":
		g, err := CompileGuard(sd.When)
		if err != nil {
			return nil, err
		}
		st.Guard = g
	case sd.Branch != "":
		st.Guard = BranchIs(sd.Branch)
	}

	switch sd.OnFailure {
	case "", "abort":
		st.Policy = AbortPipeline
	case "continue":
		st.Policy = ContinuePipeline
	default:
		return nil, fmt.Errorf("on_failure must be abort or continue, got %q", sd.OnFailure)
	}

	for _, c := range sd.Credentials {
		if c.ID == "" || c.Env == "" {
			return nil, errors.New("credential needs both id and env")
		}
		st.Credentials = append(st.Credentials, CredentialRef{ID: c.ID, Env: c.Env})
	}

	for _, r := range sd.Resources {
		switch {
		case r.Container != nil && r.TempDir:
			return nil, errors.New("resource entry sets more than one kind")
		case r.Container != nil:
			if r.Container.Image == "" {
				return nil, errors.New("container resource needs an image")
			}
			st.Resources = append(st.Resources, &ContainerResource{
				Image:    r.Container.Image,
				Ports:    r.Container.Ports,
				Env:      r.Container.Env,
				Cmd:      r.Container.Cmd,
				ReadyURL: r.Container.ReadyURL,
				Reports:  r.Container.Reports,
			})
		case r.TempDir:
			st.Resources = append(st.Resources, TempDirResource{})
		default:
			return nil, errors.New("empty resource entry")
		}
	}

	if sd.Approval != nil {
		st.Body = append(st.Body, &ApprovalGate{
			Timeout:   time.Duration(sd.Approval.Timeout),
			Message:   sd.Approval.Message,
			Approvers: sd.Approval.Approvers,
		})
	}
	body, err := compileSteps(sd.Steps)
	if err != nil {
		return nil, err
	}
	st.Body = append(st.Body, body...)
	if len(st.Body) == 0 {
		return nil, errors.New("stage has neither steps nor approval")
	}

	st.Post, err = compilePost(sd.Post)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	return st, nil
}

func compilePost(pd PostDef) (PostActions, error) {
	var post PostActions
	var err error
	if post.Always, err = compileSteps(pd.Always); err != nil {
		return post, fmt.Errorf("always: %w", err)
	}
	if post.Success, err = compileSteps(pd.Success); err != nil {
		return post, fmt.Errorf("success: %w", err)
	}
	if post.Failure, err = compileSteps(pd.Failure); err != nil {
		return post, fmt.Errorf("failure: %w", err)
	}
	return post, nil
}
