package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// errNoObjectStore is returned by object access when the engine has no object store.
var errNoObjectStore = errors.New("no object store configured")

// State is the read side of a token.
type State interface {
	Get(key string) (any, bool)
	PortParams(port string) map[string]any
}

// Binding is everything the engine knows about one step execution.
type Binding struct {
	TokenID string
	Process qualifier.Qualifier
	Scope   string
	Step    *domain.Step
	Entry   string
	State   State
	Objects ports.ObjectStore
	Logger  *slog.Logger
}

// Effects are the buffered writes of an invocation. The engine applies them only
// when the handler returns normally.
type Effects struct {
	// Outputs are exit parameters by name; the engine stores them on the chosen exit.
	Outputs map[string]any
	// StepParams are step-scoped parameters by name.
	StepParams map[string]any
	// Exit is the chosen exit port, empty if the handler did not choose.
	Exit string
	// Suspend is the entry port to resume at, empty if the step completed.
	Suspend string
}

// Invocation is the handler's view of one step execution.
type Invocation struct {
	b       Binding
	effects Effects
}

// NewInvocation binds a step execution.
func NewInvocation(b Binding) *Invocation {
	if b.Logger == nil {
		b.Logger = logging.NewNop()
	}
	return &Invocation{
		b: b,
		effects: Effects{
			Outputs:    make(map[string]any),
			StepParams: make(map[string]any),
		},
	}
}

// Process is the executing process.
func (inv *Invocation) Process() qualifier.Qualifier { return inv.b.Process }

// TokenID identifies the token for logging and auditing.
func (inv *Invocation) TokenID() string { return inv.b.TokenID }

// Step is the name of the executing step.
func (inv *Invocation) Step() string { return inv.b.Step.Name }

// EntryPort is the port the step was entered through.
func (inv *Invocation) EntryPort() string { return inv.b.Entry }

// Logger is scoped to the token and step.
func (inv *Invocation) Logger() *slog.Logger {
	return inv.b.Logger.With("token_id", inv.b.TokenID, "step", inv.b.Step.Name)
}

// Param reads an input parameter of the active entry port. A stored nil is
// (nil, true); an unset parameter is (nil, false).
func (inv *Invocation) Param(name string) (any, bool) {
	return inv.b.State.Get(domain.PortKey(inv.b.Scope, inv.b.Step.Name, inv.b.Entry, name))
}

// Params returns every input parameter stored on the active entry port.
func (inv *Invocation) Params() map[string]any {
	return inv.b.State.PortParams(qualifier.Join(inv.b.Scope, inv.b.Step.Name, inv.b.Entry))
}

// StepParam reads a step-scoped parameter, including one written earlier in this
// invocation.
func (inv *Invocation) StepParam(name string) (any, bool) {
	if v, ok := inv.effects.StepParams[name]; ok {
		return v, true
	}
	return inv.b.State.Get(domain.StepKey(inv.b.Scope, inv.b.Step.Name, name))
}

// RequireStepParam reads a step-scoped parameter that a previous invocation must have
// stored. Its absence is an unrecoverable protocol error.
func (inv *Invocation) RequireStepParam(name string) (any, error) {
	v, ok := inv.StepParam(name)
	if !ok {
		return nil, domain.Fatal(domain.CodeMissingStepState, inv.b.Step.Name,
			fmt.Errorf("step parameter %q was never stored", name))
	}
	return v, nil
}

// SetParam writes an output parameter of the exit the step leaves through.
func (inv *Invocation) SetParam(name string, value any) {
	inv.effects.Outputs[name] = value
}

// SetStepParam writes a step-scoped parameter that survives re-entries of the step.
// Setting nil stores nil; it does not delete.
func (inv *Invocation) SetStepParam(name string, value any) {
	inv.effects.StepParams[name] = value
}

// ChooseExitPort designates the exit to follow. Steps with a single exit never need
// to call it.
func (inv *Invocation) ChooseExitPort(name string) error {
	if _, ok := inv.b.Step.Exit(name); !ok {
		return domain.Fatal(domain.CodeInvalidExit, inv.b.Step.Name, fmt.Errorf("no exit port %q", name))
	}
	inv.effects.Exit = name
	return nil
}

// Suspend parks the token. It is resumed later at resumePort of this step.
func (inv *Invocation) Suspend(resumePort string) error {
	if _, ok := inv.b.Step.Entry(resumePort); !ok {
		return domain.Fatal(domain.CodeInvalidExit, inv.b.Step.Name, fmt.Errorf("no entry port %q", resumePort))
	}
	inv.effects.Suspend = resumePort
	return nil
}

// LoadObject reads a business object into out.
func (inv *Invocation) LoadObject(ctx context.Context, ref string, out any) error {
	if inv.b.Objects == nil {
		return errNoObjectStore
	}
	return inv.b.Objects.LoadObject(ctx, ref, out)
}

// SaveObject stores a business object.
func (inv *Invocation) SaveObject(ctx context.Context, ref string, value any) error {
	if inv.b.Objects == nil {
		return errNoObjectStore
	}
	return inv.b.Objects.SaveObject(ctx, ref, value)
}

// Effects returns a copy of the buffered writes.
func (inv *Invocation) Effects() Effects {
	e := inv.effects
	e.Outputs = maps.Clone(e.Outputs)
	e.StepParams = maps.Clone(e.StepParams)
	return e
}
