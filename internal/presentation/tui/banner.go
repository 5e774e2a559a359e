package tui

import (
	"fmt"
	"io"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/muesli/termenv"
)

// PrintBanner writes the stepflow banner. Colors are dropped when w is not a
// terminal.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	lines := []struct{ text, color string }{
		{"      _                 __ _               ", "#818cf8"},
		{"  ___| |_ ___ _ __   / _| | _____      __", "#a78bfa"},
		{" / __| __/ _ \\ '_ \\ | |_| |/ _ \\ \\ /\\ / /", "#c084fc"},
		{" \\__ \\ ||  __/ |_) ||  _| | (_) \\ V  V / ", "#e879f9"},
		{" |___/\\__\\___| .__/ |_| |_|\\___/ \\_/\\_/  ", "#f472b6"},
		{"             |_|                          ", "#fb7185"},
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintf(w, "  %s\n\n", out.String(version).Faint())
}

// Status renders a token status for w, colored by outcome.
func Status(w io.Writer, status domain.TokenStatus) string {
	out := termenv.NewOutput(w)
	color := "#9ca3af"
	switch status {
	case domain.StatusCompleted:
		color = "#22c55e"
	case domain.StatusWaiting:
		color = "#eab308"
	case domain.StatusFailed:
		color = "#ef4444"
	case domain.StatusRunning:
		color = "#3b82f6"
	}
	return out.String(string(status)).Foreground(out.Color(color)).Bold().String()
}
