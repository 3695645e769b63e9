package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/statesync/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for a node",
	Long: `Launch a live-updating TUI dashboard showing:
- Node status: running, degraded, queue size and sequence
- Peers: pending, delivered, failures and last error per peer
- Entities: current state and version, optionally filtered by state

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2            Jump to panel
  ↑/↓            Select row in active panel
  /              Filter entities by state
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		model := monitor.NewModel(newClient(cmd), interval)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := version
		if v == "" {
			v = "dev"
		}
		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "statesync version %s\n", v)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)

	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
	versionCmd.Flags().Bool("short", false, "Output only version string")
}
