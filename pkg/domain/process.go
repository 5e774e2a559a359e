package domain

import (
	"fmt"

	"github.com/aretw0/stepflow/pkg/qualifier"
)

// StepKind selects how the engine treats a step.
type StepKind string

const (
	// KindStart marks an entry point of a process. Start parameters pass straight
	// through to its exit.
	KindStart StepKind = "start"
	// KindEnd terminates the cursor that reaches it. Its entry parameters are the
	// outputs of the process.
	KindEnd StepKind = "end"
	// KindHandler invokes the registered handler named by Step.Handler.
	KindHandler StepKind = "handler"
	// KindBranch evaluates exit conditions and follows the first that holds.
	KindBranch StepKind = "branch"
	// KindJoin waits for every incoming link before continuing.
	KindJoin StepKind = "join"
	// KindCall runs another process as a sub-process.
	KindCall StepKind = "call"
	// KindWait suspends the token until it is resumed at the wait's resume port.
	KindWait StepKind = "wait"
)

// Structural reports whether the engine interprets the step without a handler.
func (k StepKind) Structural() bool {
	return k != KindHandler
}

// Valid reports whether k is a known kind.
func (k StepKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindHandler, KindBranch, KindJoin, KindCall, KindWait:
		return true
	}
	return false
}

// Default port names used when a definition omits them.
const (
	PortIn     = "In"
	PortOut    = "Out"
	PortResume = "Resume"
	PortError  = "Error"

	// ParamError is the entry parameter that carries a caught failure.
	ParamError = "Error"
)

// ParamDecl declares a parameter on a port or on a step.
type ParamDecl struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty" mapstructure:"default"`
}

// Link connects an exit port to an entry port.
type Link struct {
	Step string `json:"step"`
	Port string `json:"port,omitempty"`

	// Map binds target parameter names to a source. A source is an exit parameter
	// name, or a token key when it contains a path delimiter.
	Map map[string]string `json:"map,omitempty"`
}

func (l Link) String() string {
	return qualifier.Join(l.Step, l.Port)
}

// Port is a named entry or exit of a step.
type Port struct {
	Name   string      `json:"name"`
	Params []ParamDecl `json:"params,omitempty"`

	// Requires lists step-scoped parameters that must already be stored when the
	// port is entered. Entry ports only.
	Requires []string `json:"requires,omitempty"`

	// Error marks the dedicated error entry port. Entry ports only.
	Error bool `json:"error,omitempty"`

	// Condition guards a branch exit. Exit ports only.
	Condition string `json:"condition,omitempty"`

	// Links are the outgoing connections. Exit ports only.
	Links []Link `json:"links,omitempty"`
}

// Param returns the declaration named name.
func (p *Port) Param(name string) (ParamDecl, bool) {
	for _, d := range p.Params {
		if d.Name == name {
			return d, true
		}
	}
	return ParamDecl{}, false
}

// Step is a node of the process graph.
type Step struct {
	Name    string   `json:"name"`
	Kind    StepKind `json:"kind"`
	Handler string   `json:"handler,omitempty"`

	// Process is the sub-process reference of a call step, relative to the model
	// of the calling process unless it names a model.
	Process string `json:"process,omitempty"`

	// Params are step-scoped. They persist across re-entries of the step.
	Params []ParamDecl `json:"params,omitempty"`

	Entries []Port `json:"entries,omitempty"`
	Exits   []Port `json:"exits,omitempty"`
}

// Entry returns the entry port named name.
func (s *Step) Entry(name string) (*Port, bool) {
	return findPort(s.Entries, name)
}

// Exit returns the exit port named name.
func (s *Step) Exit(name string) (*Port, bool) {
	return findPort(s.Exits, name)
}

// DefaultEntry is the first entry port that is not an error port.
func (s *Step) DefaultEntry() (*Port, bool) {
	for i := range s.Entries {
		if !s.Entries[i].Error {
			return &s.Entries[i], true
		}
	}
	return nil, false
}

// ErrorEntry returns the dedicated error port, if the step declares one.
func (s *Step) ErrorEntry() (*Port, bool) {
	for i := range s.Entries {
		if s.Entries[i].Error {
			return &s.Entries[i], true
		}
	}
	return nil, false
}

// SoleExit returns the exit port when the step has exactly one.
func (s *Step) SoleExit() (*Port, bool) {
	if len(s.Exits) == 1 {
		return &s.Exits[0], true
	}
	return nil, false
}

// Param returns the step-scoped declaration named name.
func (s *Step) Param(name string) (ParamDecl, bool) {
	for _, d := range s.Params {
		if d.Name == name {
			return d, true
		}
	}
	return ParamDecl{}, false
}

func findPort(ports []Port, name string) (*Port, bool) {
	for i := range ports {
		if ports[i].Name == name {
			return &ports[i], true
		}
	}
	return nil, false
}

// ProcessDefinition is a loaded process graph. It is never modified after the model
// manager hands it out, so it may be shared between goroutines.
type ProcessDefinition struct {
	// ID addresses the process: the model it belongs to and its item name.
	ID qualifier.Qualifier `json:"id"`

	Name    string `json:"name"`
	OnError string `json:"on_error,omitempty"`
	Steps   []Step `json:"steps"`
}

// Step returns the step named name.
func (d *ProcessDefinition) Step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Starts lists the start steps in declaration order.
func (d *ProcessDefinition) Starts() []*Step {
	var out []*Step
	for i := range d.Steps {
		if d.Steps[i].Kind == KindStart {
			out = append(out, &d.Steps[i])
		}
	}
	return out
}

// StartStep picks the start step named name, falling back to the sole start step.
func (d *ProcessDefinition) StartStep(name string) (*Step, error) {
	starts := d.Starts()
	for _, s := range starts {
		if s.Name == name {
			return s, nil
		}
	}
	if len(starts) == 1 {
		return starts[0], nil
	}
	if name == "" {
		return nil, fmt.Errorf("process %s: %d start steps, name one", d.ID, len(starts))
	}
	return nil, fmt.Errorf("process %s: no start step %q", d.ID, name)
}

// ResolvePort finds a step and one of its entry ports. An empty port name resolves to
// the step's default entry.
func (d *ProcessDefinition) ResolvePort(stepName, portName string) (*Step, *Port, error) {
	step, ok := d.Step(stepName)
	if !ok {
		return nil, nil, fmt.Errorf("process %s: unknown step %q", d.ID, stepName)
	}
	if portName == "" {
		port, ok := step.DefaultEntry()
		if !ok {
			return nil, nil, fmt.Errorf("process %s: step %q has no default entry", d.ID, stepName)
		}
		return step, port, nil
	}
	port, ok := step.Entry(portName)
	if !ok {
		return nil, nil, fmt.Errorf("process %s: step %q has no entry port %q", d.ID, stepName, portName)
	}
	return step, port, nil
}

// ResolveExit finds a step and one of its exit ports.
func (d *ProcessDefinition) ResolveExit(stepName, portName string) (*Step, *Port, error) {
	step, ok := d.Step(stepName)
	if !ok {
		return nil, nil, fmt.Errorf("process %s: unknown step %q", d.ID, stepName)
	}
	port, ok := step.Exit(portName)
	if !ok {
		return nil, nil, fmt.Errorf("process %s: step %q has no exit port %q", d.ID, stepName, portName)
	}
	return step, port, nil
}

// IncomingLinks returns the "Step.Exit" names of every link that targets step.
func (d *ProcessDefinition) IncomingLinks(step string) []string {
	var out []string
	for _, s := range d.Steps {
		for _, exit := range s.Exits {
			for _, l := range exit.Links {
				if l.Step == step {
					out = append(out, qualifier.Join(s.Name, exit.Name))
				}
			}
		}
	}
	return out
}

// CallTarget resolves the sub-process a call step refers to.
func (d *ProcessDefinition) CallTarget(step *Step) (qualifier.Qualifier, error) {
	q, err := qualifier.Parse(step.Process)
	if err != nil {
		return qualifier.Qualifier{}, err
	}
	return qualifier.New(q.Model(), q.Item()).ResolveIn(d.ID), nil
}
