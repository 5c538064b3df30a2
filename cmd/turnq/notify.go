package main

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
)

func defaultSender() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

var notifyCmd = &cobra.Command{
	Use:     "notify <id> <message>...",
	Short:   "Send a message to an agent's open session",
	GroupID: "queue",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetString("from")
		m, err := queueClient.Notify(cmd.Context(), id, strings.Join(args[1:], " "), from)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(m)
			return nil
		}
		fmt.Printf("Sent %s to agent %d\n", m.ID, id)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check that the server is reachable",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := queueClient.Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

func init() {
	notifyCmd.Flags().String("from", defaultSender(), "sender shown in the alert")
}
