package output

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/marcus/statesync/internal/models"
)

const (
	fallbackWidth = 80
	minTableWidth = 32
	// glamour indents the document and pads table cells
	tableMargin = 6
)

// WorkflowMarkdown describes a transition table as markdown for glamour
func WorkflowMarkdown(states []models.State, initial models.State, transitions map[models.State][]models.State) string {
	var sb strings.Builder
	sb.WriteString("# Workflow\n\n")
	sb.WriteString(fmt.Sprintf("Entities start in **%s**.\n\n", initial))
	sb.WriteString("| State | Allowed transitions |\n|---|---|\n")
	for _, s := range states {
		targets := slices.Clone(transitions[s])
		slices.Sort(targets)
		allowed := "_terminal_"
		if len(targets) > 0 {
			names := make([]string, len(targets))
			for i, t := range targets {
				names[i] = string(t)
			}
			allowed = strings.Join(names, ", ")
		}
		sb.WriteString(fmt.Sprintf("| %s | %s |\n", StateLabel(s), allowed))
	}
	return sb.String()
}

// RenderWorkflow returns the transition table ready for Stdout. Plain mode
// and render failures both yield the raw markdown.
func RenderWorkflow(states []models.State, initial models.State, transitions map[models.State][]models.State, plain bool) string {
	md := WorkflowMarkdown(states, initial, transitions)
	if plain {
		return strings.TrimRight(md, "\n")
	}
	width, tty := stdoutWidth()
	rendered, err := renderMarkdown(md, tableWidth(md, width), tty)
	if err != nil {
		return strings.TrimRight(md, "\n")
	}
	return rendered
}

// tableWidth picks a wrap width that keeps every table row on one line
// when the terminal allows it.
func tableWidth(md string, avail int) int {
	widest := 0
	for line := range strings.SplitSeq(md, "\n") {
		if strings.HasPrefix(line, "|") {
			widest = max(widest, ansi.StringWidth(line)+tableMargin)
		}
	}
	return max(minTableWidth, min(avail, max(widest, fallbackWidth)))
}

// stdoutWidth reports the width of Stdout and whether it is a terminal.
// Redirected output uses COLUMNS, then a fixed fallback.
func stdoutWidth() (int, bool) {
	if f, ok := Stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w, true
		}
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols, false
	}
	return fallbackWidth, false
}

// renderMarkdown renders with glamour. Terminals get the auto style; pipes
// get the notty style so no escape codes end up in files.
func renderMarkdown(md string, width int, tty bool) (string, error) {
	style := glamour.WithStandardStyle("notty")
	if tty {
		style = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return "", err
	}
	out, err := r.Render(md)
	if err != nil {
		return "", err
	}
	return strings.Trim(out, "\n"), nil
}
