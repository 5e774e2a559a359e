package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
)

// execution is one step run at one cursor.
type execution struct {
	token   *domain.Token
	def     *domain.ProcessDefinition
	step    *domain.Step
	port    *domain.Port
	cur     domain.Cursor
	started time.Time
}

// portKey is the parameter prefix of the active entry port.
func (x *execution) portKey() string {
	return domain.PortKey(x.cur.Scope, x.step.Name, x.port.Name, "")
}

func (x *execution) event(exit string) *domain.StepEvent {
	ev := &domain.StepEvent{
		Timestamp: time.Now().UTC(),
		TokenID:   x.token.ID,
		Process:   x.cur.Process,
		Scope:     x.cur.Scope,
		Step:      x.step.Name,
		Kind:      x.step.Kind,
		Port:      x.port.Name,
		Exit:      exit,
	}
	if exit != "" {
		ev.Duration = time.Since(x.started)
	}
	return ev
}

func (e *Engine) execute(ctx context.Context, token *domain.Token, cur domain.Cursor) {
	def, err := e.models.Load(ctx, cur.Process)
	if err != nil {
		e.failToken(ctx, token, cur, domain.Fatal(domain.CodeModel, cur.Step, err))
		return
	}
	step, port, err := def.ResolvePort(cur.Step, cur.Port)
	if err != nil {
		e.failToken(ctx, token, cur, domain.Fatal(domain.CodeModel, cur.Step, err))
		return
	}

	x := &execution{token: token, def: def, step: step, port: port, cur: cur, started: time.Now()}
	e.logger.DebugContext(ctx, "step enter", "token_id", token.DebugID, "position", cur.Position(), "kind", string(step.Kind))
	if e.hooks.OnStepEnter != nil {
		e.hooks.OnStepEnter(ctx, x.event(""))
	}

	if err := e.run(ctx, x); err != nil {
		e.fail(ctx, x, err)
	}
}

func (e *Engine) run(ctx context.Context, x *execution) error {
	inputs, err := e.checkEntry(x)
	if err != nil {
		return err
	}

	switch x.step.Kind {
	case domain.KindStart, domain.KindJoin:
		return e.leaveSole(ctx, x, inputs)
	case domain.KindEnd:
		return e.end(ctx, x, inputs)
	case domain.KindBranch:
		exit, err := e.branch(ctx, x, inputs)
		if err != nil {
			return err
		}
		return e.leave(ctx, x, exit, inputs, nil)
	case domain.KindWait:
		if x.port.Name == domain.PortResume {
			return e.leaveSole(ctx, x, inputs)
		}
		e.hold(x, inputs)
		e.suspend(ctx, x, domain.PortResume)
		return nil
	case domain.KindCall:
		return e.call(ctx, x, inputs)
	case domain.KindHandler:
		return e.invoke(ctx, x, inputs)
	}
	return domain.Fatal(domain.CodeModel, x.step.Name, fmt.Errorf("unknown step kind %q", x.step.Kind))
}

// checkEntry enforces the entry port contract and returns the port's parameters with
// defaults applied.
func (e *Engine) checkEntry(x *execution) (map[string]any, error) {
	for _, req := range x.port.Requires {
		if _, ok := x.token.Get(domain.StepKey(x.cur.Scope, x.step.Name, req)); !ok {
			return nil, domain.Fatal(domain.CodeMissingStepState, x.step.Name,
				fmt.Errorf("entry %q needs step parameter %q, which no earlier invocation stored", x.port.Name, req))
		}
	}

	inputs := x.token.PortParams(x.portKey())
	if err := checkDecls(x.step.Name, x.port.Name, x.port.Params, inputs); err != nil {
		return nil, err
	}
	for name, v := range inputs {
		x.token.Set(domain.PortKey(x.cur.Scope, x.step.Name, x.port.Name, name), v)
	}
	return inputs, nil
}

func (e *Engine) leaveSole(ctx context.Context, x *execution, outputs map[string]any) error {
	exit, ok := x.step.SoleExit()
	if !ok {
		return domain.Fatal(domain.CodeInvalidExit, x.step.Name, errors.New("step needs exactly one exit"))
	}
	return e.leave(ctx, x, exit.Name, outputs, nil)
}

func (e *Engine) branch(ctx context.Context, x *execution, vars map[string]any) (string, error) {
	var fallback string
	for _, exit := range x.step.Exits {
		if exit.Condition == "" {
			if fallback == "" {
				fallback = exit.Name
			}
			continue
		}
		if e.evaluator == nil {
			return "", domain.Fatal(domain.CodeCondition, x.step.Name, errors.New("no condition evaluator configured"))
		}
		ok, err := e.evaluator(ctx, exit.Condition, vars)
		if err != nil {
			return "", &domain.EngineError{
				Code:  domain.CodeCondition,
				Step:  x.step.Name,
				Cause: fmt.Errorf("exit %q: %w", exit.Name, err),
			}
		}
		if ok {
			return exit.Name, nil
		}
	}
	if fallback == "" {
		return "", &domain.EngineError{
			Code:  domain.CodeCondition,
			Step:  x.step.Name,
			Cause: errors.New("no condition holds and there is no default exit"),
		}
	}
	return fallback, nil
}

// hold parks the entry parameters of a wait step on its resume port, where the
// parameters delivered by Resume are laid over them.
func (e *Engine) hold(x *execution, inputs map[string]any) {
	x.token.ClearPort(domain.PortKey(x.cur.Scope, x.step.Name, domain.PortResume, ""))
	x.token.ClearPort(x.portKey())
	for name, v := range inputs {
		x.token.Set(domain.PortKey(x.cur.Scope, x.step.Name, domain.PortResume, name), v)
	}
}

func (e *Engine) suspend(ctx context.Context, x *execution, resumePort string) {
	cur := x.cur
	cur.Waiting = true
	cur.ResumePort = resumePort
	placeCursor(x.token, cur)
	e.logger.DebugContext(ctx, "step suspended", "token_id", x.token.DebugID, "position", cur.Position(), "resume", resumePort)
}

// call moves the cursor into the start step of a sub-process.
func (e *Engine) call(ctx context.Context, x *execution, inputs map[string]any) error {
	target, err := x.def.CallTarget(x.step)
	if err != nil {
		return domain.Fatal(domain.CodeModel, x.step.Name, err)
	}
	child, err := e.models.Load(ctx, target)
	if err != nil {
		return domain.Fatal(domain.CodeModel, x.step.Name, err)
	}
	start, err := child.StartStep(x.port.Name)
	if err != nil {
		return domain.Fatal(domain.CodeModel, x.step.Name, err)
	}
	startPort, ok := start.DefaultEntry()
	if !ok {
		return domain.Fatal(domain.CodeModel, x.step.Name, fmt.Errorf("start step %q has no entry", start.Name))
	}

	scope := domain.CallScope(x.cur.Scope, x.step.Name)
	x.token.ClearScope(scope)
	x.token.ClearPort(x.portKey())
	for name, v := range inputs {
		x.token.Set(domain.PortKey(scope, start.Name, startPort.Name, name), v)
	}

	cur := x.cur
	cur.Stack = append(slices.Clone(x.cur.Stack), domain.Frame{
		Process: x.cur.Process,
		Scope:   x.cur.Scope,
		Step:    x.step.Name,
	})
	cur.Process = child.ID
	cur.Scope = scope
	cur.Step = start.Name
	cur.Port = startPort.Name
	placeCursor(x.token, cur)

	e.logger.DebugContext(ctx, "sub-process called", "token_id", x.token.DebugID, "process", child.ID.String(), "scope", scope)
	return nil
}

// invoke runs the handler of a handler step and commits its buffered effects.
func (e *Engine) invoke(ctx context.Context, x *execution, inputs map[string]any) error {
	h, err := e.handlers.New(x.step.Handler)
	if err != nil {
		return domain.Fatal(domain.CodeHandlerNotFound, x.step.Name, err)
	}

	coerceStepParams(x.token, x.cur.Scope, x.step)
	inv := handler.NewInvocation(handler.Binding{
		TokenID: x.token.ID,
		Process: x.cur.Process,
		Scope:   x.cur.Scope,
		Step:    x.step,
		Entry:   x.port.Name,
		State:   x.token,
		Objects: e.objects,
		Logger:  e.logger,
	})

	res := e.safeHandle(ctx, h, inv, x.step.Name)
	switch res.Outcome {
	case handler.Handled, handler.NotHandled:
	case handler.Failed:
		err := res.Err
		if err == nil {
			err = errors.New("handler reported failure")
		}
		var ee *domain.EngineError
		if !errors.As(err, &ee) {
			err = domain.StepFailed(x.step.Name, err)
		}
		return err
	default:
		return domain.Fatal(domain.CodeHandlerFailed, x.step.Name, fmt.Errorf("unknown handler outcome %d", res.Outcome))
	}

	eff := inv.Effects()
	if err := checkStepParams(x.step, eff.StepParams); err != nil {
		return err
	}

	if eff.Suspend != "" {
		for name, v := range eff.StepParams {
			x.token.Set(domain.StepKey(x.cur.Scope, x.step.Name, name), v)
		}
		x.token.ClearPort(x.portKey())
		e.suspend(ctx, x, eff.Suspend)
		return nil
	}

	exit := eff.Exit
	if exit == "" {
		sole, ok := x.step.SoleExit()
		if !ok {
			return domain.Fatal(domain.CodeInvalidExit, x.step.Name,
				fmt.Errorf("handler %q chose no exit and the step has %d", x.step.Handler, len(x.step.Exits)))
		}
		exit = sole.Name
	}

	outputs := eff.Outputs
	if res.Outcome == handler.NotHandled {
		merged := maps.Clone(inputs)
		maps.Copy(merged, outputs)
		outputs = merged
	}
	return e.leave(ctx, x, exit, outputs, eff.StepParams)
}

func (e *Engine) safeHandle(ctx context.Context, h handler.Handler, inv *handler.Invocation, step string) (res handler.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = handler.Fail(domain.Fatal(domain.CodeHandlerPanic, step, fmt.Errorf("panic: %v", r)))
		}
	}()
	return h.Handle(ctx, inv)
}
