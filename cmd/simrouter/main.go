// Command simrouter is the simulation orchestrator.
//
// Browser clients submit simulations on /ws; simworker processes connect on
// /sim and run them one at a time. Job records, logs and trace chunks are
// kept in Redis (embedded miniredis when SIM_REDIS_URL is unset) or SQLite.
//
// Usage:
//
//	# Start the router
//	simrouter
//
//	# Generate a worker key for initial setup
//	simrouter setup
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "simrouter",
	Short:         "Simulation orchestrator for simworker processes",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("simrouter v" + version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Variables already set take precedence over .env values.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
