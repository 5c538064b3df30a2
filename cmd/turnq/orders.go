package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/client"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

var submitCmd = &cobra.Command{
	Use:     "submit <order-id>",
	Short:   "Submit an order and pass the turn on",
	GroupID: "orders",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetInt64("agent")
		r, err := queueClient.Submit(cmd.Context(), agentID, args[0])
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Stage != "" {
			fmt.Fprintln(os.Stderr, ui.RenderWarn("Order saved, but the turn did not move:"), apiErr.Message)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(r)
			return nil
		}
		fmt.Printf("%s order %s in %s\n", ui.RenderAccent("Submitted"), r.Order.Reference,
			ui.FormatCompletion(r.Order.CompletionTime))
		if r.State != nil {
			fmt.Println(describeState(r.State, agentNames(cmd.Context())))
		}
		return nil
	},
}

func rangeFlag(cmd *cobra.Command) (model.OrderRange, error) {
	v, _ := cmd.Flags().GetString("range")
	return model.ParseOrderRange(strings.ToLower(v))
}

var ordersCmd = &cobra.Command{
	Use:     "orders",
	Short:   "List submitted orders, newest first",
	GroupID: "orders",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := rangeFlag(cmd)
		if err != nil {
			return err
		}
		agentID, _ := cmd.Flags().GetInt64("agent")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := queueClient.ListOrders(cmd.Context(), &client.ListOrdersRequest{
			AgentID: agentID,
			Range:   rng,
			Limit:   limit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(list)
			return nil
		}
		printOrders(os.Stdout, list, agentNames(cmd.Context()))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show completion statistics",
	GroupID: "orders",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := rangeFlag(cmd)
		if err != nil {
			return err
		}
		st, err := queueClient.Stats(cmd.Context(), rng)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(st)
			return nil
		}
		printStats(os.Stdout, st)
		return nil
	},
}

func init() {
	submitCmd.Flags().Int64("agent", 0, "ID of the submitting agent")
	_ = submitCmd.MarkFlagRequired("agent")

	ordersCmd.Flags().String("range", "all", "hour, today, yesterday or all")
	ordersCmd.Flags().Int64("agent", 0, "only this agent's orders")
	ordersCmd.Flags().Int("limit", 50, "maximum number of orders (0 for all)")

	statsCmd.Flags().String("range", "all", "hour, today, yesterday or all")
}
