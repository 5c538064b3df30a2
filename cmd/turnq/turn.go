package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// agentNames maps agent IDs to names for display.
func agentNames(ctx context.Context) map[int64]string {
	names := make(map[int64]string)
	list, err := queueClient.ListAgents(ctx)
	if err != nil {
		return names
	}
	for _, a := range list.Agents {
		names[a.ID] = a.Name
	}
	return names
}

func printStateResult(ctx context.Context, g *model.GlobalState) {
	if jsonOutput {
		printJSON(g)
		return
	}
	fmt.Println(describeState(g, agentNames(ctx)))
}

var stateCmd = &cobra.Command{
	Use:     "state",
	Short:   "Show who holds the turn",
	GroupID: "queue",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := queueClient.State(cmd.Context())
		if err != nil {
			return err
		}
		printStateResult(cmd.Context(), g)
		return nil
	},
}

var advanceCmd = &cobra.Command{
	Use:     "advance",
	Short:   "Pass the turn to the next eligible agent",
	GroupID: "queue",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cause, _ := cmd.Flags().GetString("cause")
		g, err := queueClient.Advance(cmd.Context(), model.AdvanceCause(cause))
		if err != nil {
			return err
		}
		printStateResult(cmd.Context(), g)
		return nil
	},
}

var forceCmd = &cobra.Command{
	Use:     "force <id>",
	Short:   "Give the turn to an agent out of rotation order",
	GroupID: "queue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		g, err := queueClient.Force(cmd.Context(), id)
		if err != nil {
			return err
		}
		printStateResult(cmd.Context(), g)
		return nil
	},
}

var turnsCmd = &cobra.Command{
	Use:     "turns",
	Short:   "Show recent turn changes",
	GroupID: "queue",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		evts, err := queueClient.TurnEvents(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(evts)
			return nil
		}
		names := agentNames(cmd.Context())
		who := func(id *int64) string {
			if id == nil {
				return "-"
			}
			if n := names[*id]; n != "" {
				return n
			}
			return fmt.Sprintf("#%d", *id)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tCAUSE\tFROM\tTO")
		for _, e := range evts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(e.At), e.Cause, who(e.FromAgentID), who(e.ToAgentID))
		}
		return tw.Flush()
	},
}

func init() {
	advanceCmd.Flags().String("cause", "", "advance cause (manual, timeout, ...; default manual)")
	turnsCmd.Flags().Int("limit", 20, "maximum number of events")
}
