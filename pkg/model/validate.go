package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/aretw0/stepflow/pkg/schema"
)

// ErrInvalidModel is wrapped by every ValidationError.
var ErrInvalidModel = errors.New("invalid process model")

// ValidationError lists every problem found in a definition at load time.
type ValidationError struct {
	Process  qualifier.Qualifier
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("process %s: %s", e.Process, e.Problems[0])
	}
	return fmt.Sprintf("process %s: %d problems: %s", e.Process, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidModel }

type validator struct {
	def          *domain.ProcessDefinition
	handlerCheck func(string) bool
	problems     []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// Validate checks the referential integrity and shape of a definition.
// handlerCheck may be nil.
func Validate(def *domain.ProcessDefinition, handlerCheck func(string) bool) error {
	v := &validator{def: def, handlerCheck: handlerCheck}
	v.run()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Process: def.ID, Problems: v.problems}
}

func (v *validator) run() {
	seen := make(map[string]bool, len(v.def.Steps))
	for i := range v.def.Steps {
		step := &v.def.Steps[i]
		if !validName(step.Name) {
			v.addf("invalid step name %q", step.Name)
		}
		if seen[step.Name] {
			v.addf("duplicate step %q", step.Name)
		}
		seen[step.Name] = true
		v.step(step)
	}

	if len(v.def.Starts()) == 0 {
		v.addf("no start step")
	}

	if v.def.OnError != "" {
		if _, _, err := v.def.ResolvePort(v.def.OnError, ""); err != nil {
			v.addf("on_error: %v", err)
		}
	}
}

func (v *validator) step(step *domain.Step) {
	if !step.Kind.Valid() {
		v.addf("step %q: unknown kind %q", step.Name, step.Kind)
		return
	}

	v.decls(step.Name, "", step.Params)
	v.ports(step, "entry", step.Entries)
	v.ports(step, "exit", step.Exits)

	errorPorts := 0
	for _, p := range step.Entries {
		if p.Error {
			errorPorts++
		}
		for _, req := range p.Requires {
			if _, ok := step.Param(req); !ok {
				v.addf("step %q entry %q requires undeclared step parameter %q", step.Name, p.Name, req)
			}
		}
	}
	if errorPorts > 1 {
		v.addf("step %q: more than one error port", step.Name)
	}
	if _, ok := step.DefaultEntry(); !ok {
		v.addf("step %q: no entry port besides the error port", step.Name)
	}

	switch step.Kind {
	case domain.KindHandler:
		if step.Handler == "" {
			v.addf("step %q: handler step without handler", step.Name)
		} else if v.handlerCheck != nil && !v.handlerCheck(step.Handler) {
			v.addf("step %q: handler %q is not registered", step.Name, step.Handler)
		}
	case domain.KindCall:
		if step.Process == "" {
			v.addf("step %q: call step without process", step.Name)
		} else if _, err := v.def.CallTarget(step); err != nil {
			v.addf("step %q: %v", step.Name, err)
		}
	case domain.KindEnd:
		if len(step.Exits) > 0 {
			v.addf("step %q: end step with exits", step.Name)
		}
	case domain.KindStart:
		if len(step.Exits) != 1 {
			v.addf("step %q: start step needs exactly one exit", step.Name)
		}
	case domain.KindJoin, domain.KindWait:
		if len(step.Exits) != 1 {
			v.addf("step %q: %s step needs exactly one exit", step.Name, step.Kind)
		}
	}

	if step.Kind != domain.KindEnd && len(step.Exits) == 0 {
		v.addf("step %q: no exit ports", step.Name)
	}

	for _, exit := range step.Exits {
		if _, ok := step.Entry(exit.Name); ok {
			v.addf("step %q: exit %q has the name of an entry port", step.Name, exit.Name)
		}
		if exit.Condition != "" && step.Kind != domain.KindBranch {
			v.addf("step %q exit %q: conditions are only allowed on branch steps", step.Name, exit.Name)
		}
		for _, link := range exit.Links {
			if _, _, err := v.def.ResolvePort(link.Step, link.Port); err != nil {
				v.addf("step %q exit %q: link to %s: %v", step.Name, exit.Name, link, err)
			}
		}
	}
}

func (v *validator) ports(step *domain.Step, kind string, ports []domain.Port) {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if !validName(p.Name) {
			v.addf("step %q: invalid %s port name %q", step.Name, kind, p.Name)
		}
		if seen[p.Name] {
			v.addf("step %q: duplicate %s port %q", step.Name, kind, p.Name)
		}
		seen[p.Name] = true
		v.decls(step.Name, p.Name, p.Params)
	}
}

func (v *validator) decls(step, port string, decls []domain.ParamDecl) {
	where := qualifier.Join(step, port)
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if !validName(d.Name) {
			v.addf("%s: invalid parameter name %q", where, d.Name)
		}
		if seen[d.Name] {
			v.addf("%s: duplicate parameter %q", where, d.Name)
		}
		seen[d.Name] = true
	}
	if _, err := schema.Compile(decls); err != nil {
		v.addf("%s: %v", where, err)
	}
}

// validName rejects names that would break parameter keys.
func validName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, string([]rune{
			qualifier.PathDelimiter,
			qualifier.ModelDelimiter,
			qualifier.TypeDelimiter,
		})) &&
		!strings.HasPrefix(name, domain.ScopeMarker)
}
