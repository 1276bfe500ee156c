package core

import (
	"fmt"
	"strings"
)

// ScanTargetVar is the placeholder for the dynamic-scan target URL. A run of
// a pipeline that references it must supply a non-empty value.
const ScanTargetVar = "scan_target_url"

// requiredVars are placeholders that only the caller can provide.
var requiredVars = []string{ScanTargetVar}

// templated is implemented by actions and resources whose fields go through
// ${name} expansion.
type templated interface {
	templates() []string
}

func (a *ShellAction) templates() []string {
	return append(append([]string{a.Script}, a.Reports...), mapValues(a.Env)...)
}

func (a *ExecAction) templates() []string {
	return append([]string{a.Command}, mapValues(a.Env)...)
}

func (a *ArchiveAction) templates() []string { return a.Patterns }

func (a *NotifyAction) templates() []string { return []string{a.Message} }

func (a *CheckoutAction) templates() []string { return []string{a.Repo, a.Ref, a.Dir} }

func (r *ContainerResource) templates() []string {
	return append(append([]string{r.Image, r.ReadyURL}, r.Reports...), mapValues(r.Env)...)
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// References reports whether any action or resource of p uses ${name}.
func (p *Pipeline) References(name string) bool {
	needle := "${" + name + "}"
	uses := func(v any) bool {
		t, ok := v.(templated)
		if !ok {
			return false
		}
		for _, s := range t.templates() {
			if strings.Contains(s, needle) {
				return true
			}
		}
		return false
	}
	usesAll := func(actions []Action) bool {
		for _, a := range actions {
			if uses(a) {
				return true
			}
		}
		return false
	}
	usesPost := func(post PostActions) bool {
		return usesAll(post.Always) || usesAll(post.Success) || usesAll(post.Failure)
	}

	for _, st := range p.Stages {
		if usesAll(st.Body) || usesPost(st.Post) {
			return true
		}
		for _, r := range st.Resources {
			if uses(r) {
				return true
			}
		}
	}
	return usesPost(p.Post)
}

// CheckInputs fails when p references a caller-provided placeholder that
// vars leaves unset.
func (p *Pipeline) CheckInputs(vars map[string]string) error {
	for _, name := range requiredVars {
		if vars[name] == "" && p.References(name) {
			return fmt.Errorf("%w: pipeline %q uses ${%s} but no value is set", ErrMissingInput, p.Name, name)
		}
	}
	return nil
}
