package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aretw0/stepflow/internal/presentation/tui"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/persistence/middleware"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printToken writes a token summary, or the whole token as JSON. Parameters matching
// the PII patterns are masked either way.
func printToken(w io.Writer, token *domain.Token, asJSON bool, masker *middleware.Masker) error {
	if masker != nil {
		token = masker.Token(token)
	}
	if asJSON {
		return writeJSON(w, token)
	}
	fmt.Fprintf(w, "token %s (%s) %s\n", token.ID, token.Process, tui.Status(w, token.Status))
	for _, c := range token.Cursors {
		if c.Waiting {
			fmt.Fprintf(w, "  waiting at %s, resume with %s\n", c.Position(), c.ResumePort)
			continue
		}
		fmt.Fprintf(w, "  at %s\n", c.Position())
	}
	if token.Failure != nil {
		fmt.Fprintf(w, "  failed with %s at %s: %s\n", token.Failure.Code, token.Failure.Step, token.Failure.Message)
	}
	return nil
}
