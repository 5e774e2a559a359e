package tui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// NewRenderer returns a function that renders markdown with glamour. An empty style
// detects light or dark backgrounds; "notty" renders plain text.
func NewRenderer(style string) (func(string) (string, error), error) {
	opt := glamour.WithAutoStyle()
	if style != "" {
		opt = glamour.WithStandardStyle(style)
	}
	r, err := glamour.NewTermRenderer(opt, glamour.WithWordWrap(100))
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return r.Render, nil
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Describe documents a process definition as markdown.
func Describe(def *domain.ProcessDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", def.ID)
	if def.OnError != "" {
		fmt.Fprintf(&sb, "Failures not caught by a step continue at **%s**.\n\n", def.OnError)
	}

	sb.WriteString("| step | kind | entries | exits |\n|---|---|---|---|\n")
	for _, s := range def.Steps {
		kind := string(s.Kind)
		switch {
		case s.Handler != "":
			kind = fmt.Sprintf("%s `%s`", kind, s.Handler)
		case s.Process != "":
			kind = fmt.Sprintf("%s `%s`", kind, s.Process)
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", s.Name, kind, portNames(s.Entries), exitNames(s.Exits))
	}

	for _, s := range def.Steps {
		params := s.Params
		for _, p := range s.Entries {
			params = append(params, p.Params...)
		}
		if len(params) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n", s.Name)
		for _, p := range s.Params {
			fmt.Fprintf(&sb, "- `%s` %s (step)\n", p.Name, typeOf(p))
		}
		for _, port := range s.Entries {
			for _, p := range port.Params {
				req := ""
				if p.Required {
					req = ", required"
				}
				fmt.Fprintf(&sb, "- `%s.%s` %s%s\n", port.Name, p.Name, typeOf(p), req)
			}
		}
	}
	return sb.String()
}

func typeOf(p domain.ParamDecl) string {
	if p.Type == "" {
		return "any"
	}
	return p.Type
}

func portNames(ports []domain.Port) string {
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		name := p.Name
		if p.Error {
			name += " (error)"
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func exitNames(ports []domain.Port) string {
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		targets := make([]string, 0, len(p.Links))
		for _, l := range p.Links {
			targets = append(targets, l.String())
		}
		name := p.Name
		if len(targets) > 0 {
			name = fmt.Sprintf("%s → %s", p.Name, strings.Join(targets, ", "))
		}
		names = append(names, name)
	}
	return strings.Join(names, "; ")
}
