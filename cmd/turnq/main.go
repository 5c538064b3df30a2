package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/client"
	"github.com/alfredjeanlab/turnqueue/internal/config"
	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

var (
	serverURL  string
	authToken  string
	jsonOutput bool
	noColor    bool

	cfg         *config.Config
	queueClient client.QueueClient
)

// defaultServerURL derives the API URL from TURNQ_SERVER or the local
// listen address.
func defaultServerURL(c *config.Config) string {
	if s := os.Getenv("TURNQ_SERVER"); s != "" {
		return s
	}
	host, port, err := net.SplitHostPort(c.HTTPAddr)
	if err != nil {
		return "http://localhost:8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

var rootCmd = &cobra.Command{
	Use:           "turnq <command>",
	Short:         "Round-robin turn queue for agents submitting orders",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		if !cmd.Flags().Changed("server") {
			serverURL = defaultServerURL(cfg)
		}
		if !cmd.Flags().Changed("token") {
			authToken = cfg.AuthToken
		}
		queueClient = client.NewHTTPClient(serverURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if queueClient != nil {
			queueClient.Close()
		}
	},
}

func loadConfig() error {
	if cfg != nil {
		return nil
	}
	c, err := config.Load()
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// parseID parses a positive agent ID argument.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid agent id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "turnq API URL (default from TURNQ_SERVER or TURNQ_HTTP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token (default TURNQ_AUTH_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "orders", Title: "Orders:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Queue
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(forceCmd)
	rootCmd.AddCommand(turnsCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(joinCmd)

	// Orders
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(ordersCmd)
	rootCmd.AddCommand(statsCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderWarn("Error:"), err)
		os.Exit(1)
	}
}
