package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/output"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"add", "new"},
	Short:   "Create an entity",
	Long: `Create an entity with the given attributes. The entity starts in the
workflow's initial state; --state may only name that state.`,
	Example: `  statesync create --attr name=alpha --attr priority=2
  statesync create --attr tags='["a","b"]' --json`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("attr")
		attrs, err := parseAttrs(pairs)
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		e, err := newClient(cmd).CreateEntity(ctx, attrs, models.State(state))
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), e, func() string {
			return "CREATED " + output.FormatEntityShort(*e)
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"get", "view"},
	Short:   "Show an entity and its activity",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		client := newClient(cmd)
		e, err := client.GetEntity(ctx, args[0])
		if err != nil {
			return err
		}
		history, err := client.History(ctx, args[0])
		if err != nil {
			return err
		}

		view := struct {
			*models.Entity
			History []models.ActivityRecord `json:"history"`
		}{e, history}
		return output.Print(formatFor(cmd), view, func() string {
			return output.FormatEntityLong(*e, history)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change attributes and optionally the state",
	Long: `Merge attributes into an entity. --unset removes a key. When --state is
given the attribute change is committed first and the transition second;
a rejected transition leaves the attribute change in place.`,
	Example: `  statesync update e-1 --attr owner=ops --unset draft
  statesync update e-1 --attr reason=maintenance --state suspended`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("attr")
		unset, _ := cmd.Flags().GetStringSlice("unset")
		state, _ := cmd.Flags().GetString("state")

		attrs, err := parseAttrs(pairs)
		if err != nil {
			return err
		}
		for _, key := range unset {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			attrs[key] = nil
		}
		if len(attrs) == 0 && state == "" {
			return invalidInput("nothing to update: pass --attr, --unset or --state")
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		e, err := newClient(cmd).UpdateEntity(ctx, args[0], attrs, models.State(state))
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), e, func() string {
			return "UPDATED " + output.FormatEntityShort(*e)
		})
	},
}

var transitionCmd = &cobra.Command{
	Use:     "transition <id> <state>",
	Aliases: []string{"move"},
	Short:   "Move an entity to another state",
	GroupID: "core",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := newClient(cmd).Transition(ctx, args[0], models.State(args[1]))
		if err != nil {
			return err
		}
		return output.Print(formatFor(cmd), res, func() string {
			return fmt.Sprintf("%s → %s (v%d)", args[0], output.FormatState(res.NewState), res.Version)
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List entities",
	Example: `  statesync list --state active
  statesync list --attr team=red`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		filter, _ := cmd.Flags().GetString("attr")
		key, value, err := parseAttrFilter(filter)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		ents, err := newClient(cmd).ListEntities(ctx, adminclient.ListOptions{
			State:     models.State(state),
			AttrKey:   key,
			AttrValue: value,
		})
		if err != nil {
			return err
		}
		if ents == nil {
			ents = []models.Entity{}
		}
		return output.Print(formatFor(cmd), ents, func() string {
			if len(ents) == 0 {
				return "No entities"
			}
			lines := make([]string, len(ents))
			for i, e := range ents {
				lines[i] = output.FormatEntityShort(e)
			}
			return strings.Join(lines, "\n")
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an entity",
	Long: `Delete an entity. The node pushes its queue to every peer right away
instead of waiting for the next tick; peers that cannot be reached get
the delete through the normal retry path.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := confirmDelete(id)
			if err != nil {
				return err
			}
			if !ok {
				output.Info("Cancelled")
				return nil
			}
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient(cmd).DeleteEntity(ctx, id); err != nil {
			return err
		}
		return output.Print(formatFor(cmd), map[string]any{"id": id, "deleted": true}, func() string {
			return "DELETED " + id
		})
	},
}

// stdinIsTerminal is swapped in tests
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirmDelete asks on the terminal; non-interactive callers must pass --yes
func confirmDelete(id string) (bool, error) {
	if !stdinIsTerminal() {
		return false, invalidInput("refusing to delete %s without --yes", id)
	}
	var confirmed bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Delete %s?", id)).
		Description("The delete is replicated to every peer.").
		Affirmative("Delete").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return false, err
	}
	return confirmed, nil
}

var historyCmd = &cobra.Command{
	Use:     "history <id>",
	Aliases: []string{"activity"},
	Short:   "Show an entity's activity records",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		recs, err := newClient(cmd).History(ctx, args[0])
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []models.ActivityRecord{}
		}
		return output.Print(formatFor(cmd), recs, func() string {
			if len(recs) == 0 {
				return "No activity"
			}
			lines := make([]string, len(recs))
			for i, r := range recs {
				lines[i] = output.FormatActivity(r)
			}
			return strings.Join(lines, "\n")
		})
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(historyCmd)

	createCmd.Flags().StringArrayP("attr", "a", nil, "Attribute as key=value (repeatable)")
	createCmd.Flags().StringP("state", "s", "", "Initial state (defaults to the workflow's initial state)")

	updateCmd.Flags().StringArrayP("attr", "a", nil, "Attribute as key=value (repeatable)")
	updateCmd.Flags().StringSlice("unset", nil, "Attribute keys to remove")
	updateCmd.Flags().StringP("state", "s", "", "Also transition to this state")

	listCmd.Flags().StringP("state", "s", "", "Only entities in this state")
	listCmd.Flags().String("attr", "", "Only entities with attribute key=value")

	deleteCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
	deleteCmd.Flags().Bool("force", false, "Alias for --yes")
	_ = deleteCmd.Flags().MarkHidden("force")
	deleteCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if force, _ := cmd.Flags().GetBool("force"); force {
			_ = cmd.Flags().Set("yes", "true")
		}
	}
}
