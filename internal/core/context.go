package core

import (
	"maps"
	"regexp"
	"sync"
	"time"
)

// PipelineContext is the per-run state threaded through every stage. The
// Controller owns it; actions only read it or append to it. Credential
// bindings are pushed and popped by the binder and nothing else.
type PipelineContext struct {
	runID    string
	pipeline string
	branch   string
	buildID  string
	deadline time.Time

	mu        sync.RWMutex
	workspace string
	baseEnv   map[string]string
	bindings  []envBinding
	vars      map[string]string
	artifacts map[string]string
	archived  []ArtifactRef
	outcome   *PipelineOutcome
}

type envBinding struct {
	token string
	name  string
	value string
}

// NewPipelineContext creates the context for one run.
func NewPipelineContext(runID, pipeline, branch, buildID string, deadline time.Time) *PipelineContext {
	pc := &PipelineContext{
		runID:     runID,
		pipeline:  pipeline,
		branch:    branch,
		buildID:   buildID,
		deadline:  deadline,
		baseEnv:   map[string]string{},
		vars:      map[string]string{},
		artifacts: map[string]string{},
	}
	pc.vars["branch"] = branch
	pc.vars["build"] = buildID
	pc.vars["run_id"] = runID
	return pc
}

func (pc *PipelineContext) RunID() string       { return pc.runID }
func (pc *PipelineContext) Pipeline() string    { return pc.pipeline }
func (pc *PipelineContext) Branch() string      { return pc.branch }
func (pc *PipelineContext) BuildID() string     { return pc.buildID }
func (pc *PipelineContext) Deadline() time.Time { return pc.deadline }

// RunKey names this run's resources uniquely across concurrent runs, even
// when two runs share a build id.
func (pc *PipelineContext) RunKey() string {
	return runKey(pc.pipeline, pc.buildID, pc.runID)
}

func runKey(pipeline, buildID, runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return sanitizeName(pipeline) + "-" + sanitizeName(buildID) + "-" + sanitizeName(runID)
}

// Workspace is the run's shared working directory.
func (pc *PipelineContext) Workspace() string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.workspace
}

func (pc *PipelineContext) setWorkspace(dir string) {
	pc.mu.Lock()
	pc.workspace = dir
	pc.vars["workspace"] = dir
	pc.mu.Unlock()
}

// SetVar sets a placeholder variable usable as ${name} in commands.
func (pc *PipelineContext) SetVar(name, value string) {
	pc.mu.Lock()
	pc.vars[name] = value
	pc.mu.Unlock()
}

// Var returns a placeholder variable.
func (pc *PipelineContext) Var(name string) (string, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	v, ok := pc.vars[name]
	return v, ok
}

func (pc *PipelineContext) setBaseEnv(env map[string]string) {
	pc.mu.Lock()
	maps.Copy(pc.baseEnv, env)
	pc.mu.Unlock()
}

// Env returns a copy of the environment mapping: the pipeline environment
// overlaid with the credential bindings currently in scope.
func (pc *PipelineContext) Env() map[string]string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	env := make(map[string]string, len(pc.baseEnv)+len(pc.bindings))
	maps.Copy(env, pc.baseEnv)
	for _, b := range pc.bindings {
		env[b.name] = b.value
	}
	return env
}

// LookupEnv returns the innermost value bound to name.
func (pc *PipelineContext) LookupEnv(name string) (string, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	for i := len(pc.bindings) - 1; i >= 0; i-- {
		if pc.bindings[i].name == name {
			return pc.bindings[i].value, true
		}
	}
	v, ok := pc.baseEnv[name]
	return v, ok
}

// BoundNames lists the env var names of credential bindings in scope.
func (pc *PipelineContext) BoundNames() []string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	names := make([]string, 0, len(pc.bindings))
	for _, b := range pc.bindings {
		names = append(names, b.name)
	}
	return names
}

func (pc *PipelineContext) pushEnv(token, name, value string) {
	pc.mu.Lock()
	pc.bindings = append(pc.bindings, envBinding{token: token, name: name, value: value})
	pc.mu.Unlock()
}

// popEnv removes every binding pushed under token.
func (pc *PipelineContext) popEnv(token string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	kept := pc.bindings[:0]
	for _, b := range pc.bindings {
		if b.token != token {
			kept = append(kept, b)
		}
	}
	clear(pc.bindings[len(kept):])
	pc.bindings = kept
}

// AddArtifact records a produced file under name.
func (pc *PipelineContext) AddArtifact(name, path string) {
	pc.mu.Lock()
	pc.artifacts[name] = path
	pc.mu.Unlock()
}

// Artifacts returns a copy of the artifact name to path mapping.
func (pc *PipelineContext) Artifacts() map[string]string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return maps.Clone(pc.artifacts)
}

func (pc *PipelineContext) addArchived(refs []ArtifactRef) {
	pc.mu.Lock()
	pc.archived = append(pc.archived, refs...)
	pc.mu.Unlock()
}

// Archived returns the artifact references persisted so far.
func (pc *PipelineContext) Archived() []ArtifactRef {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return append([]ArtifactRef(nil), pc.archived...)
}

// Outcome is the provisional run outcome, available to pipeline-level
// post-actions. It is nil while stages are still executing.
func (pc *PipelineContext) Outcome() *PipelineOutcome {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.outcome
}

func (pc *PipelineContext) setOutcome(o *PipelineOutcome) {
	pc.mu.Lock()
	pc.outcome = o
	pc.mu.Unlock()
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand substitutes ${name} placeholders from the context variables.
// Unknown placeholders and plain $NAME references are left for the shell,
// so secrets bound as env vars never end up in the command text.
func (pc *PipelineContext) Expand(s string) string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := pc.vars[name]; ok {
			return v
		}
		return match
	})
}

func sanitizeName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		} else {
			clean = append(clean, '-')
		}
	}
	if len(clean) == 0 {
		return "unnamed"
	}
	return string(clean)
}
