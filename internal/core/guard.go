package core

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Guard decides whether a stage runs for the current context. Guards must be
// side-effect free; an error or panic counts as "do not run".
type Guard func(pc *PipelineContext) (bool, error)

// Always is the default guard.
func Always() Guard {
	return func(*PipelineContext) (bool, error) { return true, nil }
}

// BranchIs runs the stage only on the named branch.
func BranchIs(branch string) Guard {
	return func(pc *PipelineContext) (bool, error) { return pc.Branch() == branch, nil }
}

// guardEnv is the environment exposed to guard expressions.
type guardEnv struct {
	Branch    string            `expr:"branch"`
	Build     string            `expr:"build"`
	Pipeline  string            `expr:"pipeline"`
	Artifacts map[string]string `expr:"artifacts"`
	Vars      map[string]string `expr:"vars"`
	// Env is the pipeline environment without credential bindings.
	Env map[string]string `expr:"env"`
}

// CompileGuard compiles an expression such as `branch == "main"` into a
// Guard. The expression must evaluate to a boolean.
func CompileGuard(src string) (Guard, error) {
	program, err := expr.Compile(src, expr.Env(guardEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard %q: %w", src, err)
	}
	return exprGuard(program), nil
}

func exprGuard(program *vm.Program) Guard {
	return func(pc *PipelineContext) (bool, error) {
		pc.mu.RLock()
		env := guardEnv{
			Branch:    pc.branch,
			Build:     pc.buildID,
			Pipeline:  pc.pipeline,
			Artifacts: cloneStrings(pc.artifacts),
			Vars:      cloneStrings(pc.vars),
			Env:       cloneStrings(pc.baseEnv),
		}
		pc.mu.RUnlock()

		out, err := expr.Run(program, env)
		if err != nil {
			return false, err
		}
		ok, _ := out.(bool)
		return ok, nil
	}
}

// evaluateGuard runs g and never panics. A nil guard is Always. The returned
// error is informational: a faulting guard yields false.
func evaluateGuard(g Guard, pc *PipelineContext) (ok bool, fault error) {
	if g == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			fault = fmt.Errorf("%w: panic: %v", ErrGuardFault, r)
		}
	}()
	ok, err := g(pc)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGuardFault, err)
	}
	return ok, nil
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
