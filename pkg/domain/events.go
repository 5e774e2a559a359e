package domain

import (
	"context"
	"time"

	"github.com/aretw0/stepflow/pkg/qualifier"
)

// StepEvent reports a cursor entering or leaving a step.
type StepEvent struct {
	Timestamp time.Time           `json:"timestamp"`
	TokenID   string              `json:"token_id"`
	Process   qualifier.Qualifier `json:"process"`
	Scope     string              `json:"scope,omitempty"`
	Step      string              `json:"step"`
	Kind      StepKind            `json:"kind"`
	Port      string              `json:"port"`

	// Exit is set on leave events.
	Exit string `json:"exit,omitempty"`
	// Duration is set on leave events.
	Duration time.Duration `json:"duration,omitempty"`
}

// StatusEvent reports a token status transition.
type StatusEvent struct {
	Timestamp time.Time           `json:"timestamp"`
	TokenID   string              `json:"token_id"`
	Process   qualifier.Qualifier `json:"process"`
	From      TokenStatus         `json:"from"`
	To        TokenStatus         `json:"to"`
}

// HandlerErrorEvent reports a failing handler and whether the graph caught it.
type HandlerErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"token_id"`
	Step      string    `json:"step"`
	Handler   string    `json:"handler,omitempty"`
	Err       error     `json:"-"`
	Caught    bool      `json:"caught"`
}

// LifecycleHooks are optional callbacks for engine observability. Hooks run on the
// goroutine advancing the token and must not block.
type LifecycleHooks struct {
	OnStepEnter    func(context.Context, *StepEvent)
	OnStepLeave    func(context.Context, *StepEvent)
	OnTokenStatus  func(context.Context, *StatusEvent)
	OnHandlerError func(context.Context, *HandlerErrorEvent)
}

// Merge combines hooks so that both sets are called, h first.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStepEnter:    chain(h.OnStepEnter, other.OnStepEnter),
		OnStepLeave:    chain(h.OnStepLeave, other.OnStepLeave),
		OnTokenStatus:  chain(h.OnTokenStatus, other.OnTokenStatus),
		OnHandlerError: chain(h.OnHandlerError, other.OnHandlerError),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}

// UpdateMode says how a model item changed.
type UpdateMode string

const (
	ModeAdded   UpdateMode = "ADDED"
	ModeUpdated UpdateMode = "UPDATED"
	ModeRemoved UpdateMode = "REMOVED"
)

// StartRequest asks an engine to start a process. It is fire and forget: the sender
// never learns the outcome.
type StartRequest struct {
	RequestID string              `json:"request_id,omitempty"`
	Process   qualifier.Qualifier `json:"process"`
	Entry     string              `json:"entry,omitempty"`
	Params    Values              `json:"params,omitempty"`
}
