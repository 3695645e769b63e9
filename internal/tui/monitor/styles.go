package monitor

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor  = lipgloss.Color("212")
	mutedColor    = lipgloss.Color("241")
	successColor  = lipgloss.Color("42")
	warningColor  = lipgloss.Color("214")
	errorColor    = lipgloss.Color("196")
	lipglossWhite = lipgloss.Color("255")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipglossWhite).
			Padding(0, 1)

	// Text styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	errStyle     = lipgloss.NewStyle().Foreground(errorColor)
)

// formatNodeStatus renders the node's running/degraded badge
func formatNodeStatus(running, degraded bool) string {
	switch {
	case degraded:
		return errStyle.Render("DEGRADED")
	case running:
		return okStyle.Render("RUNNING")
	default:
		return warnStyle.Render("STOPPED")
	}
}
