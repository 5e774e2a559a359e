// Package lua evaluates branch conditions as Lua expressions.
//
// A condition such as `Amount > 100 and Country == "BR"` sees the parameters of the
// branch step's entry port as globals, and as fields of the `params` table for names
// that are not valid identifiers.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sort"

	golua "github.com/Shopify/go-lua"
)

// DefaultBudget bounds the number of VM instructions of one evaluation.
const DefaultBudget = 100_000

// hookInterval is how often, in instructions, the budget and context are checked.
const hookInterval = 1000

// Evaluator runs condition expressions in a fresh interpreter each time, so one
// condition can never see globals set by another.
type Evaluator struct {
	budget int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithBudget sets the instruction budget. Zero or less disables it.
func WithBudget(n int) Option {
	return func(e *Evaluator) {
		e.budget = n
	}
}

// New creates an evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{budget: DefaultBudget}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the Lua truthiness of expr. Its signature matches the engine's
// condition evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	l := golua.NewState()
	golua.Require(l, "_G", golua.BaseOpen, true)
	l.Pop(1)
	golua.Require(l, "string", golua.StringOpen, true)
	l.Pop(1)
	golua.Require(l, "math", golua.MathOpen, true)
	l.Pop(1)

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	l.CreateTable(0, len(vars))
	for _, name := range names {
		if err := push(l, vars[name], 0); err != nil {
			return false, fmt.Errorf("condition %q: parameter %s: %w", expr, name, err)
		}
		l.SetField(-2, name)
	}
	l.SetGlobal("params")
	for _, name := range names {
		if err := push(l, vars[name], 0); err != nil {
			return false, fmt.Errorf("condition %q: parameter %s: %w", expr, name, err)
		}
		l.SetGlobal(name)
	}

	executed := 0
	golua.SetDebugHook(l, func(l *golua.State, _ golua.Debug) {
		executed += hookInterval
		if ctx.Err() != nil {
			golua.Errorf(l, "condition cancelled")
		}
		if e.budget > 0 && executed > e.budget {
			golua.Errorf(l, "instruction budget of %d exceeded", e.budget)
		}
	}, golua.MaskCount, hookInterval)

	if err := golua.LoadString(l, "return "+expr); err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, errors.Join(ctxErr, err)
		}
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return l.ToBoolean(-1), nil
}

const maxDepth = 32

// push converts a parameter value to Lua and leaves it on the stack.
func push(l *golua.State, v any, depth int) error {
	if depth > maxDepth {
		return errors.New("value nested too deeply")
	}
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case string:
		l.PushString(x)
	case int:
		l.PushInteger(x)
	case int32:
		l.PushInteger(int(x))
	case int64:
		l.PushNumber(float64(x))
	case uint:
		l.PushNumber(float64(x))
	case float32:
		l.PushNumber(float64(x))
	case float64:
		l.PushNumber(x)
	case []any:
		l.CreateTable(len(x), 0)
		for i, item := range x {
			if err := push(l, item, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(x))
		for k, item := range x {
			if err := push(l, item, depth+1); err != nil {
				return err
			}
			l.SetField(-2, k)
		}
	case fmt.Stringer:
		l.PushString(x.String())
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}
