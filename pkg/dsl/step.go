package dsl

import (
	"strings"

	"github.com/aretw0/stepflow/internal/compiler"
	"github.com/aretw0/stepflow/pkg/domain"
)

// StepBuilder provides a fluent API for configuring a step.
type StepBuilder struct {
	doc compiler.StepDocument
}

// Kind sets the step kind.
func (s *StepBuilder) Kind(k domain.StepKind) *StepBuilder {
	s.doc.Kind = string(k)
	return s
}

// Params declares step-scoped parameters as "Name" or "Name:type".
func (s *StepBuilder) Params(decls ...string) *StepBuilder {
	s.doc.Params = append(s.doc.Params, paramDecls(decls)...)
	return s
}

// Entry declares an entry port and its parameters.
func (s *StepBuilder) Entry(name string, params ...string) *StepBuilder {
	p := s.entry(name)
	p.Params = append(p.Params, paramDecls(params)...)
	return s
}

// ErrorEntry declares the entry port receiving failures routed to this step.
func (s *StepBuilder) ErrorEntry(name string) *StepBuilder {
	s.entry(name).Error = true
	return s
}

// Requires lists step parameters that must be stored before entry is entered.
func (s *StepBuilder) Requires(entry string, params ...string) *StepBuilder {
	p := s.entry(entry)
	p.Requires = append(p.Requires, params...)
	return s
}

// Exit declares an exit port and its parameters.
func (s *StepBuilder) Exit(name string, params ...string) *StepBuilder {
	p := s.exit(name)
	p.Params = append(p.Params, paramDecls(params)...)
	return s
}

// Go links the Out exit to target ("Step" or "Step.Port").
func (s *StepBuilder) Go(target string) *StepBuilder {
	return s.Link(domain.PortOut, target, nil)
}

// When adds a branch exit guarded by condition and links it to target. An empty
// condition makes the exit the fallback.
func (s *StepBuilder) When(exit, condition, target string) *StepBuilder {
	s.exit(exit).Condition = condition
	return s.Link(exit, target, nil)
}

// Link connects exit to target. mapping binds target parameter names to exit
// parameters or token keys.
func (s *StepBuilder) Link(exit, target string, mapping map[string]string) *StepBuilder {
	p := s.exit(exit)
	p.Links = append(p.Links, compiler.LinkDocument{To: target, Map: mapping})
	return s
}

func (s *StepBuilder) entry(name string) *compiler.PortDocument {
	return port(&s.doc.Entries, name)
}

func (s *StepBuilder) exit(name string) *compiler.PortDocument {
	return port(&s.doc.Exits, name)
}

func port(ports *[]compiler.PortDocument, name string) *compiler.PortDocument {
	for i := range *ports {
		if (*ports)[i].Name == name {
			return &(*ports)[i]
		}
	}
	*ports = append(*ports, compiler.PortDocument{Name: name})
	return &(*ports)[len(*ports)-1]
}

func paramDecls(decls []string) []domain.ParamDecl {
	if len(decls) == 0 {
		return nil
	}
	out := make([]domain.ParamDecl, 0, len(decls))
	for _, d := range decls {
		name, typ, _ := strings.Cut(d, ":")
		out = append(out, domain.ParamDecl{Name: name, Type: typ})
	}
	return out
}
