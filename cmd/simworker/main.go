// Command simworker runs simulation jobs for a simrouter.
//
// It dials the router's /sim channel, announces itself and executes one job
// at a time by spawning the solver configured for the job's kind in the
// solver profiles file (SIM_SOLVERS_FILE, default solvers.yaml).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/auxothq/simrouter/internal/worker"
	"github.com/auxothq/simrouter/pkg/logutil"
)

var version = "0.1.0"

var flags worker.CLIFlags

var rootCmd = &cobra.Command{
	Use:           "simworker",
	Short:         "Simulation worker for simrouter",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWorker,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the router and run jobs (default)",
	RunE:  runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("simworker v" + version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.RouterURL, "router-url", "", "router /sim URL (overrides SIM_ROUTER_URL)")
	pf.StringVar(&flags.WorkerKey, "worker-key", "", "worker key (overrides SIM_WORKER_KEY)")
	pf.StringVar(&flags.SolversFile, "solvers-file", "", "solver profiles YAML (overrides SIM_SOLVERS_FILE)")
	pf.CountVarP(&flags.DebugLevel, "debug", "d", "dump websocket frames: -d summaries, -dd full frames")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := logutil.New(os.Stderr)

	cfg, err := worker.LoadConfig(flags)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	profiles, err := worker.LoadProfiles(cfg.SolversFile)
	if err != nil {
		return err
	}

	kinds := make([]string, 0, len(profiles))
	for k := range profiles {
		kinds = append(kinds, string(k))
	}
	logger.Info("simworker starting",
		"version", version,
		"router_url", cfg.RouterURL,
		"solvers", kinds,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := worker.NewSession(cfg, profiles, logger)
	if err := session.Run(ctx); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("simworker stopped")
	return nil
}
