package compiler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition wraps every error returned by Parse.
var ErrInvalidDefinition = errors.New("invalid process definition")

// Document is the serialized form of a process definition.
type Document struct {
	Name    string         `json:"name" yaml:"name" mapstructure:"name"`
	OnError string         `json:"on_error,omitempty" yaml:"on_error,omitempty" mapstructure:"on_error"`
	Steps   []StepDocument `json:"steps" yaml:"steps" mapstructure:"steps"`
}

// StepDocument is the serialized form of a step.
type StepDocument struct {
	Name    string             `json:"name" yaml:"name" mapstructure:"name"`
	Kind    string             `json:"kind,omitempty" yaml:"kind,omitempty" mapstructure:"kind"`
	Handler string             `json:"handler,omitempty" yaml:"handler,omitempty" mapstructure:"handler"`
	Process string             `json:"process,omitempty" yaml:"process,omitempty" mapstructure:"process"`
	Params  []domain.ParamDecl `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
	Entries []PortDocument     `json:"entries,omitempty" yaml:"entries,omitempty" mapstructure:"entries"`
	Exits   []PortDocument     `json:"exits,omitempty" yaml:"exits,omitempty" mapstructure:"exits"`
}

// PortDocument is the serialized form of an entry or exit port.
type PortDocument struct {
	Name      string             `json:"name" yaml:"name" mapstructure:"name"`
	Params    []domain.ParamDecl `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
	Requires  []string           `json:"requires,omitempty" yaml:"requires,omitempty" mapstructure:"requires"`
	Error     bool               `json:"error,omitempty" yaml:"error,omitempty" mapstructure:"error"`
	Condition string             `json:"condition,omitempty" yaml:"condition,omitempty" mapstructure:"condition"`
	Links     []LinkDocument     `json:"links,omitempty" yaml:"links,omitempty" mapstructure:"links"`
}

// LinkDocument is the serialized form of a link. To is "Step" or "Step.Port".
type LinkDocument struct {
	To  string            `json:"to" yaml:"to" mapstructure:"to"`
	Map map[string]string `json:"map,omitempty" yaml:"map,omitempty" mapstructure:"map"`
}

// Parser converts raw definition bytes into a ProcessDefinition.
type Parser struct{}

// NewParser creates a new parser instance.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a YAML or JSON definition. The returned definition has default ports
// filled in but is not yet validated; the model manager does that.
func (p *Parser) Parse(data []byte) (*domain.ProcessDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}
	return p.Decode(raw)
}

// Decode builds a definition from an already unmarshalled document.
func (p *Parser) Decode(raw map[string]any) (*domain.ProcessDefinition, error) {
	var doc Document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  paramShorthand,
		ErrorUnused: true,
		Result:      &doc,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return p.Build(doc)
}

// Build converts a decoded document into a definition.
func (p *Parser) Build(doc Document) (*domain.ProcessDefinition, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}

	def := &domain.ProcessDefinition{
		Name:    doc.Name,
		OnError: doc.OnError,
		Steps:   make([]domain.Step, 0, len(doc.Steps)),
	}

	for _, sd := range doc.Steps {
		step := domain.Step{
			Name:    sd.Name,
			Kind:    domain.StepKind(sd.Kind),
			Handler: sd.Handler,
			Process: sd.Process,
			Params:  sd.Params,
		}
		if step.Kind == "" {
			step.Kind = domain.KindHandler
		}

		for _, pd := range sd.Entries {
			step.Entries = append(step.Entries, domain.Port{
				Name:     pd.Name,
				Params:   pd.Params,
				Requires: pd.Requires,
				Error:    pd.Error,
			})
		}
		for _, pd := range sd.Exits {
			port := domain.Port{
				Name:      pd.Name,
				Params:    pd.Params,
				Condition: pd.Condition,
			}
			for _, ld := range pd.Links {
				link, err := parseLink(ld)
				if err != nil {
					return nil, fmt.Errorf("%w: step %q exit %q: %v", ErrInvalidDefinition, sd.Name, pd.Name, err)
				}
				port.Links = append(port.Links, link)
			}
			step.Exits = append(step.Exits, port)
		}

		applyDefaults(&step)
		def.Steps = append(def.Steps, step)
	}

	return def, nil
}

func parseLink(ld LinkDocument) (domain.Link, error) {
	if ld.To == "" {
		return domain.Link{}, errors.New("link without target")
	}
	q, err := qualifier.Parse(ld.To)
	if err != nil {
		return domain.Link{}, err
	}
	if q.HasModel() || q.ItemType() != "" || len(q.Segments()) > 1 {
		return domain.Link{}, fmt.Errorf("link target %q must be Step or Step.Port", ld.To)
	}
	return domain.Link{Step: q.Item(), Port: q.ObjectPath(), Map: ld.Map}, nil
}

// applyDefaults gives structural steps the ports the engine expects when the
// definition leaves them out.
func applyDefaults(step *domain.Step) {
	if len(step.Entries) == 0 {
		step.Entries = []domain.Port{{Name: domain.PortIn}}
	}

	switch step.Kind {
	case domain.KindWait:
		if _, ok := step.Entry(domain.PortResume); !ok {
			step.Entries = append(step.Entries, domain.Port{Name: domain.PortResume})
		}
		fallthrough
	case domain.KindJoin, domain.KindCall:
		if len(step.Exits) == 0 {
			step.Exits = []domain.Port{{Name: domain.PortOut}}
		}
	}
}

// paramShorthand lets a parameter be written as "Name" or "Name:type".
func paramShorthand(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(domain.ParamDecl{}) {
		return data, nil
	}
	name, typ, _ := strings.Cut(reflect.ValueOf(data).String(), ":")
	return map[string]any{"name": strings.TrimSpace(name), "type": strings.TrimSpace(typ)}, nil
}
