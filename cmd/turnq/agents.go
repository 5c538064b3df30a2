package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Short:   "List agents in join order",
	GroupID: "queue",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := queueClient.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(list)
			return nil
		}
		printAgents(os.Stdout, list)
		return nil
	},
}

var agentsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an agent to the end of the rotation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := queueClient.AddAgent(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		fmt.Printf("%s %s (#%d)\n", ui.RenderAccent("Added"), a.Name, a.ID)
		return nil
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachID(cmd.Context(), args, func(ctx context.Context, id int64) error {
				a, err := queueClient.SetAgentActive(ctx, id, active)
				if err != nil {
					return err
				}
				if jsonOutput {
					printJSON(a)
					return nil
				}
				fmt.Printf("%s is now %s\n", a.Name, a.Status)
				return nil
			})
		},
	}
}

// forEachID runs fn for every ID argument, stopping at the first error.
func forEachID(ctx context.Context, args []string, fn func(context.Context, int64) error) error {
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		if err := fn(ctx, id); err != nil {
			return fmt.Errorf("agent %d: %w", id, err)
		}
	}
	return nil
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := queueClient.GetAgent(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		printAgent(os.Stdout, &a.Agent)
		if a.Current {
			fmt.Println(ui.RenderTurn("Holds the turn"))
		}
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsAddCmd)
	agentsCmd.AddCommand(agentsShowCmd)
	agentsCmd.AddCommand(setActiveCmd("activate", "Make agents eligible for turns again", true))
	agentsCmd.AddCommand(setActiveCmd("deactivate", "Freeze agents; their turns are skipped", false))
}
