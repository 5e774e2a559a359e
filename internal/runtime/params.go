package runtime

import (
	"errors"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/aretw0/stepflow/pkg/schema"
)

// checkDecls applies defaults, then checks required parameters and declared types.
func checkDecls(step, port string, decls []domain.ParamDecl, values map[string]any) error {
	if len(decls) == 0 {
		return nil
	}
	params, err := schema.Compile(decls)
	if err != nil {
		return domain.Fatal(domain.CodeModel, step, err)
	}
	return paramError(step, port, params.Apply(values))
}

// checkStepParams type-checks step-scoped writes against their declarations.
func checkStepParams(step *domain.Step, values map[string]any) error {
	if len(step.Params) == 0 {
		return nil
	}
	params, err := schema.Compile(step.Params)
	if err != nil {
		return domain.Fatal(domain.CodeModel, step.Name, err)
	}
	for name, v := range values {
		if err := params.Check(name, v); err != nil {
			return paramError(step.Name, "", err)
		}
	}
	return nil
}

// coerceStepParams rewrites the stored step parameters of step in the representation
// of their declared types.
func coerceStepParams(token *domain.Token, scope string, step *domain.Step) {
	if len(step.Params) == 0 {
		return
	}
	params, err := schema.Compile(step.Params)
	if err != nil {
		return
	}
	for _, d := range step.Params {
		key := domain.StepKey(scope, step.Name, d.Name)
		if v, ok := token.Get(key); ok {
			token.Set(key, params.Coerce(d.Name, v))
		}
	}
}

func paramError(step, port string, err error) error {
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	verr.Key = qualifier.Join(port, verr.Key)
	if verr.Missing {
		return domain.Fatal(domain.CodeMissingParam, step, verr)
	}
	return domain.Fatal(domain.CodeTypeMismatch, step, verr)
}
