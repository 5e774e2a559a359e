package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Overlay contains token state to highlight on the graph.
type Overlay struct {
	Visited []string
	Current []string
}

// OverlayOf derives the overlay of a token on its root process. Steps of
// sub-process scopes are ignored.
func OverlayOf(token *domain.Token) *Overlay {
	o := &Overlay{}
	for _, h := range token.History {
		if strings.HasPrefix(h, "@") {
			continue
		}
		step, _, _ := strings.Cut(h, ".")
		if !slices.Contains(o.Visited, step) {
			o.Visited = append(o.Visited, step)
		}
	}
	for _, c := range token.Cursors {
		if c.Scope == "" && !slices.Contains(o.Current, c.Step) {
			o.Current = append(o.Current, c.Step)
		}
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart of a process definition.
// Shapes follow the step kind:
// - start/end: ((Circle))
// - call: [[Subroutine]]
// - branch: {Rhombus}
// - join: {{Hexagon}}
// - wait: [/Parallelogram/]
// - handler: [Rectangle]
// Edges are labelled with the exit port, and with the condition of branch exits.
func GenerateMermaid(def *domain.ProcessDefinition, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, step := range def.Steps {
		id := sanitizeMermaidID(step.Name)

		opener, closer := "[", "]"
		switch step.Kind {
		case domain.KindStart, domain.KindEnd:
			opener, closer = "((", "))"
		case domain.KindCall:
			opener, closer = "[[", "]]"
		case domain.KindBranch:
			opener, closer = "{", "}"
		case domain.KindJoin:
			opener, closer = "{{", "}}"
		case domain.KindWait:
			opener, closer = "[/", "/]"
		}

		label := step.Name
		switch {
		case step.Handler != "":
			label = fmt.Sprintf("%s <br/> %s", step.Name, step.Handler)
		case step.Process != "":
			label = fmt.Sprintf("%s <br/> %s", step.Name, step.Process)
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", id, opener, label, closer)

		for _, exit := range step.Exits {
			for _, link := range exit.Links {
				text := exit.Name
				if exit.Condition != "" {
					text = fmt.Sprintf("%s: %s", exit.Name, strings.ReplaceAll(exit.Condition, "\"", "'"))
				}
				arrow := fmt.Sprintf("-- \"%s\" -->", text)
				if link.Port != "" && link.Port != domain.PortIn {
					arrow = fmt.Sprintf("-- \"%s → %s\" -->", text, link.Port)
				}
				fmt.Fprintf(&sb, "    %s %s %s\n", id, arrow, sanitizeMermaidID(link.Step))
			}
		}
	}

	if def.OnError != "" {
		fmt.Fprintf(&sb, "    classDef onerror stroke:#c62828,stroke-dasharray:4;\n")
		fmt.Fprintf(&sb, "    class %s onerror;\n", sanitizeMermaidID(def.OnError))
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		for _, step := range overlay.Visited {
			fmt.Fprintf(&sb, "    class %s visited;\n", sanitizeMermaidID(step))
		}
		for _, step := range overlay.Current {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(step))
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
