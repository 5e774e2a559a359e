package runtime

import (
	"context"
	"time"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// fail routes a step failure. Recoverable failures go to the step's error port, else
// to the process on_error step; everything else, including a failure raised while
// already handling an error, fails the token at its pre-invocation position.
func (e *Engine) fail(ctx context.Context, x *execution, err error) {
	target, port, caught := e.catcher(x, err)

	if e.hooks.OnHandlerError != nil {
		e.hooks.OnHandlerError(ctx, &domain.HandlerErrorEvent{
			Timestamp: time.Now().UTC(),
			TokenID:   x.token.ID,
			Step:      qualifier.Join(x.cur.Scope, x.step.Name),
			Handler:   x.step.Handler,
			Err:       err,
			Caught:    caught,
		})
	}

	if !caught {
		e.failToken(ctx, x.token, x.cur, err)
		return
	}

	failure := domain.NewFailure(err, qualifier.Join(x.cur.Scope, x.step.Name), x.port.Name)
	e.logger.WarnContext(ctx, "step failure caught",
		"token_id", x.token.DebugID,
		"position", x.cur.Position(),
		"catcher", qualifier.Join(target.Name, port.Name),
		"err", err,
	)

	scope := x.cur.Scope
	x.token.ClearPort(domain.PortKey(scope, target.Name, port.Name, ""))
	x.token.Set(domain.PortKey(scope, target.Name, port.Name, domain.ParamError), failureParam(failure))

	cur := x.cur
	cur.Step = target.Name
	cur.Port = port.Name
	cur.Waiting = false
	cur.ResumePort = ""
	placeCursor(x.token, cur)
}

func (e *Engine) catcher(x *execution, err error) (*domain.Step, *domain.Port, bool) {
	if domain.IsUnrecoverable(err) || x.port.Error {
		return nil, nil, false
	}
	if port, ok := x.step.ErrorEntry(); ok {
		return x.step, port, true
	}
	if x.def.OnError != "" && x.def.OnError != x.step.Name {
		step, port, err := x.def.ResolvePort(x.def.OnError, "")
		if err == nil {
			return step, port, true
		}
	}
	return nil, nil, false
}

// failToken records err and moves the token to FAILED with cur restored.
func (e *Engine) failToken(ctx context.Context, token *domain.Token, cur domain.Cursor, err error) {
	cur.Waiting = false
	placeCursor(token, cur)
	token.Failure = domain.NewFailure(err, qualifier.Join(cur.Scope, cur.Step), cur.Port)

	e.logger.ErrorContext(ctx, "token failed",
		"token_id", token.DebugID,
		"position", cur.Position(),
		"code", string(token.Failure.Code),
		"unrecoverable", token.Failure.Unrecoverable,
		"err", err,
	)
	e.setStatus(ctx, token, domain.StatusFailed)
}

// failureParam is the value bound to the Error parameter of a catching port. It is a
// plain map so that it survives every token store unchanged.
func failureParam(f *domain.Failure) map[string]any {
	return map[string]any{
		"code":    string(f.Code),
		"message": f.Message,
		"step":    f.Step,
		"port":    f.Port,
	}
}
