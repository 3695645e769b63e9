package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/output"
)

var peerCmd = &cobra.Command{
	Use:     "peer",
	Aliases: []string{"peers"},
	Short:   "Manage replication peers",
	GroupID: "node",
}

var peerListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List peers with delivery counters",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetBool("probe")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		resp, err := newClient(cmd).Peers(ctx, probe)
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), resp, func() string {
			return formatPeerList(resp, probe)
		})
	},
}

func formatPeerList(resp *adminclient.PeersResponse, probe bool) string {
	if len(resp.Peers) == 0 {
		return "No peers"
	}
	lines := output.FormatPeers(resp.Peers)
	if !probe {
		return strings.Join(lines, "\n")
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString(output.SectionHeader("probe"))
	for _, p := range resp.Peers {
		result, ok := resp.Probe[p.Address]
		if !ok {
			result = "not probed"
		}
		fmt.Fprintf(&sb, "  %s  %s\n", p.Address, result)
	}
	return strings.TrimRight(sb.String(), "\n")
}

var peerAddCmd = &cobra.Command{
	Use:   "add <address>",
	Short: "Register a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		added, err := newClient(cmd).AddPeer(ctx, args[0])
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), map[string]any{"address": args[0], "added": added}, func() string {
			if !added {
				return fmt.Sprintf("%s is already a peer", args[0])
			}
			return "ADDED " + args[0]
		})
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:     "remove <address>",
	Aliases: []string{"rm"},
	Short:   "Unregister a peer",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient(cmd).RemovePeer(ctx, args[0]); err != nil {
			return err
		}
		return output.Print(formatFor(cmd), map[string]any{"address": args[0], "removed": true}, func() string {
			return "REMOVED " + args[0]
		})
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"status"},
	Short:   "Show node counters and peer health",
	GroupID: "node",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		st, err := newClient(cmd).Stats(ctx)
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), st, func() string {
			return output.FormatStats(*st)
		})
	},
}

var flushCmd = &cobra.Command{
	Use:     "flush",
	Short:   "Push queued changes to every peer now",
	GroupID: "node",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient(cmd).Flush(ctx); err != nil {
			return err
		}
		return output.Print(formatFor(cmd), map[string]any{"flushed": true}, func() string {
			return "FLUSHED"
		})
	},
}

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"states"},
	Short:   "Show the node's transition table",
	GroupID: "node",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		wf, err := newClient(cmd).Workflow(ctx)
		if err != nil {
			return err
		}
		plain, _ := cmd.Flags().GetBool("plain")
		return output.Print(formatFor(cmd), wf, func() string {
			return output.RenderWorkflow(wf.States, wf.Initial, wf.Transitions, plain)
		})
	},
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerRemoveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(workflowCmd)

	peerListCmd.Flags().Bool("probe", false, "Ping each peer")
	workflowCmd.Flags().Bool("plain", false, "Print raw markdown")
}
