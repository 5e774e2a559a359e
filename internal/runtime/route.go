package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// hop is one resolved outgoing link.
type hop struct {
	step   *domain.Step
	port   *domain.Port
	params map[string]any
}

// leave validates the exit, then commits it: step parameters, exit parameters and
// history are written and the cursor is replaced by one cursor per link.
func (e *Engine) leave(ctx context.Context, x *execution, exitName string, outputs, stepParams map[string]any) error {
	exit, ok := x.step.Exit(exitName)
	if !ok {
		return domain.Fatal(domain.CodeInvalidExit, x.step.Name, fmt.Errorf("no exit port %q", exitName))
	}

	outputs = maps.Clone(outputs)
	if outputs == nil {
		outputs = make(map[string]any)
	}
	if err := checkDecls(x.step.Name, exit.Name, exit.Params, outputs); err != nil {
		return err
	}

	hops := make([]hop, 0, len(exit.Links))
	for _, link := range exit.Links {
		step, port, err := x.def.ResolvePort(link.Step, link.Port)
		if err != nil {
			return domain.Fatal(domain.CodeModel, x.step.Name, err)
		}
		hops = append(hops, hop{step: step, port: port, params: e.transfer(x, link, outputs)})
	}

	tok, scope := x.token, x.cur.Scope
	for name, v := range stepParams {
		tok.Set(domain.StepKey(scope, x.step.Name, name), v)
	}
	tok.ClearPort(x.portKey())
	tok.ClearPort(domain.PortKey(scope, x.step.Name, exit.Name, ""))
	for name, v := range outputs {
		tok.Set(domain.PortKey(scope, x.step.Name, exit.Name, name), v)
	}
	tok.History = append(tok.History, qualifier.Join(scope, x.step.Name, exit.Name))
	tok.RemoveCursor(x.cur.ID)

	e.logger.DebugContext(ctx, "step leave", "token_id", tok.DebugID, "position", x.cur.Position(), "exit", exit.Name)
	if e.hooks.OnStepLeave != nil {
		e.hooks.OnStepLeave(ctx, x.event(exit.Name))
	}

	source := qualifier.Join(x.step.Name, exit.Name)
	for _, h := range hops {
		if h.step.Kind == domain.KindJoin {
			e.arrive(ctx, x, h, source)
			continue
		}
		e.spawn(x, h)
	}
	return nil
}

// transfer computes the parameters a link delivers. Exit parameters flow by equal
// name; the link map binds target names to an exit parameter or, when the source
// contains a path delimiter, to a token key in the current scope.
func (e *Engine) transfer(x *execution, link domain.Link, outputs map[string]any) map[string]any {
	params := maps.Clone(outputs)
	for target, source := range link.Map {
		if strings.ContainsRune(source, qualifier.PathDelimiter) {
			if v, ok := x.token.Get(qualifier.Join(x.cur.Scope, source)); ok {
				params[target] = v
			}
			continue
		}
		if v, ok := outputs[source]; ok {
			params[target] = v
		}
	}
	return params
}

func (e *Engine) spawn(x *execution, h hop) {
	scope := x.cur.Scope
	x.token.ClearPort(domain.PortKey(scope, h.step.Name, h.port.Name, ""))
	for name, v := range h.params {
		x.token.Set(domain.PortKey(scope, h.step.Name, h.port.Name, name), v)
	}
	x.token.AddCursor(domain.Cursor{
		Process: x.cur.Process,
		Scope:   scope,
		Step:    h.step.Name,
		Port:    h.port.Name,
		Stack:   slices.Clone(x.cur.Stack),
	})
}

// arrive records one incoming link at a join. The join fires once every link that
// targets it has arrived; parameters of all arrivals accumulate on its entry port.
func (e *Engine) arrive(ctx context.Context, x *execution, h hop, source string) {
	tok, scope := x.token, x.cur.Scope
	if tok.Joins == nil {
		tok.Joins = make(map[string][]string)
	}

	key := qualifier.Join(scope, h.step.Name)
	arrived := tok.Joins[key]
	if !slices.Contains(arrived, source) {
		arrived = append(arrived, source)
	}
	for name, v := range h.params {
		tok.Set(domain.PortKey(scope, h.step.Name, h.port.Name, name), v)
	}

	expected := x.def.IncomingLinks(h.step.Name)
	slices.Sort(expected)
	expected = slices.Compact(expected)
	if len(arrived) < len(expected) {
		tok.Joins[key] = arrived
		e.logger.DebugContext(ctx, "join waiting", "token_id", tok.DebugID, "join", key, "arrived", len(arrived), "expected", len(expected))
		return
	}

	delete(tok.Joins, key)
	tok.AddCursor(domain.Cursor{
		Process: x.cur.Process,
		Scope:   scope,
		Step:    h.step.Name,
		Port:    h.port.Name,
		Stack:   slices.Clone(x.cur.Stack),
	})
}

// end finishes a cursor at an end step. At the root the entry parameters become the
// token outputs; inside a sub-process the call step in the caller is left instead.
func (e *Engine) end(ctx context.Context, x *execution, inputs map[string]any) error {
	if len(x.cur.Stack) > 0 {
		return e.returnFromCall(ctx, x, inputs)
	}

	x.token.OutputKey = x.portKey()
	x.token.RemoveCursor(x.cur.ID)
	if e.hooks.OnStepLeave != nil {
		e.hooks.OnStepLeave(ctx, x.event(""))
	}
	return nil
}

func (e *Engine) returnFromCall(ctx context.Context, x *execution, outputs map[string]any) error {
	frame := x.cur.Stack[len(x.cur.Stack)-1]
	parent, err := e.models.Load(ctx, frame.Process)
	if err != nil {
		return domain.Fatal(domain.CodeModel, x.step.Name, err)
	}
	call, ok := parent.Step(frame.Step)
	if !ok {
		return domain.Fatal(domain.CodeModel, x.step.Name, fmt.Errorf("caller %s has no step %q", parent.ID, frame.Step))
	}
	exit, ok := call.Exit(x.step.Name)
	if !ok {
		exit, ok = call.SoleExit()
	}
	if !ok {
		return domain.Fatal(domain.CodeInvalidExit, call.Name,
			fmt.Errorf("sub-process ended at %q, which names no exit of the call step", x.step.Name))
	}
	entry, ok := call.DefaultEntry()
	if !ok {
		return domain.Fatal(domain.CodeModel, call.Name, fmt.Errorf("call step %q has no entry", call.Name))
	}

	if e.hooks.OnStepLeave != nil {
		e.hooks.OnStepLeave(ctx, x.event(""))
	}
	x.token.ClearScope(x.cur.Scope)

	px := &execution{
		token: x.token,
		def:   parent,
		step:  call,
		port:  entry,
		cur: domain.Cursor{
			ID:      x.cur.ID,
			Process: frame.Process,
			Scope:   frame.Scope,
			Step:    call.Name,
			Port:    entry.Name,
			Stack:   slices.Clone(x.cur.Stack[:len(x.cur.Stack)-1]),
		},
		started: x.started,
	}
	if err := e.leave(ctx, px, exit.Name, outputs, nil); err != nil {
		e.fail(ctx, px, err)
	}
	return nil
}
