package schema

import (
	"errors"
	"fmt"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Params is a compiled list of parameter declarations.
type Params struct {
	decls []domain.ParamDecl
	types map[string]Type
}

// Compile parses the type of every declaration and checks defaults against it. All
// problems are reported together.
func Compile(decls []domain.ParamDecl) (*Params, error) {
	p := &Params{decls: decls, types: make(map[string]Type, len(decls))}
	var errs []error
	for _, d := range decls {
		typ, err := ParseType(d.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}
		if d.Default != nil {
			if err := typ.Validate(d.Default); err != nil {
				errs = append(errs, fmt.Errorf("%s: default: %w", d.Name, err))
				continue
			}
		}
		p.types[d.Name] = typ
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// Apply fills defaults into values, then checks required parameters and declared
// types. Undeclared parameters pass unchecked and a stored nil satisfies any type.
func (p *Params) Apply(values map[string]any) error {
	for _, d := range p.decls {
		v, ok := values[d.Name]
		if !ok {
			switch {
			case d.Default != nil:
				values[d.Name] = d.Default
			case d.Required:
				return &ValidationError{Key: d.Name, Reason: "is required", Missing: true}
			}
			continue
		}
		if err := p.Check(d.Name, v); err != nil {
			return err
		}
		values[d.Name] = p.Coerce(d.Name, v)
	}
	return nil
}

// Coerce converts v to the representation of the declared type of name. Undeclared
// names and nil pass unchanged.
func (p *Params) Coerce(name string, v any) any {
	typ, ok := p.types[name]
	if !ok || v == nil {
		return v
	}
	return Coerce(typ, v)
}

// Check validates one value against the declaration of name, if any.
func (p *Params) Check(name string, v any) error {
	typ, ok := p.types[name]
	if !ok || v == nil {
		return nil
	}
	if err := typ.Validate(v); err != nil {
		return &ValidationError{Key: name, Reason: err.Error(), Value: v}
	}
	return nil
}
