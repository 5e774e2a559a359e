package dsl

import (
	"fmt"

	"github.com/aretw0/stepflow/internal/compiler"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"gopkg.in/yaml.v3"
)

// Builder manages the construction of one process definition.
type Builder struct {
	name    string
	onError string
	steps   map[string]*StepBuilder
	order   []string
}

// New creates a builder for the process name.
func New(name string) *Builder {
	return &Builder{
		name:  name,
		steps: make(map[string]*StepBuilder),
	}
}

// OnError routes unhandled step failures to target ("Step" or "Step.Port").
func (b *Builder) OnError(target string) *Builder {
	b.onError = target
	return b
}

// Add returns the step called name, creating a handler step if it does not exist.
func (b *Builder) Add(name string) *StepBuilder {
	if sb, ok := b.steps[name]; ok {
		return sb
	}
	sb := &StepBuilder{doc: compiler.StepDocument{Name: name, Kind: string(domain.KindHandler)}}
	b.steps[name] = sb
	b.order = append(b.order, name)
	return sb
}

// Start adds a start step.
func (b *Builder) Start(name string) *StepBuilder { return b.Add(name).Kind(domain.KindStart) }

// End adds an end step.
func (b *Builder) End(name string) *StepBuilder { return b.Add(name).Kind(domain.KindEnd) }

// Handler adds a step running the handler registered as id.
func (b *Builder) Handler(name, id string) *StepBuilder {
	sb := b.Add(name).Kind(domain.KindHandler)
	sb.doc.Handler = id
	return sb
}

// Wait adds a step that suspends the token until it is resumed.
func (b *Builder) Wait(name string) *StepBuilder { return b.Add(name).Kind(domain.KindWait) }

// Branch adds a step routing on the conditions of its exits.
func (b *Builder) Branch(name string) *StepBuilder { return b.Add(name).Kind(domain.KindBranch) }

// Join adds a step that waits for every incoming link.
func (b *Builder) Join(name string) *StepBuilder { return b.Add(name).Kind(domain.KindJoin) }

// Call adds a step invoking the sub-process process.
func (b *Builder) Call(name, process string) *StepBuilder {
	sb := b.Add(name).Kind(domain.KindCall)
	sb.doc.Process = process
	return sb
}

// Document returns the serializable form of the process.
func (b *Builder) Document() compiler.Document {
	doc := compiler.Document{Name: b.name, OnError: b.onError}
	for _, name := range b.order {
		doc.Steps = append(doc.Steps, b.steps[name].doc)
	}
	return doc
}

// Build compiles and validates the process.
func (b *Builder) Build() (*domain.ProcessDefinition, error) {
	def, err := compiler.NewParser().Build(b.Document())
	if err != nil {
		return nil, err
	}
	if err := model.Validate(def, nil); err != nil {
		return nil, err
	}
	return def, nil
}

// YAML renders the process in the format of definition files.
func (b *Builder) YAML() ([]byte, error) {
	return yaml.Marshal(b.Document())
}

// Deploy validates the process and stores it in src under modelName. An observer
// of src sees the change like any other model update.
func (b *Builder) Deploy(src *memory.Source, modelName string) error {
	if _, err := b.Build(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	data, err := b.YAML()
	if err != nil {
		return err
	}
	src.Put(qualifier.New(modelName, b.name), string(data))
	return nil
}
