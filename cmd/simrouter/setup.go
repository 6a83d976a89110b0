package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/auxothq/simrouter/pkg/auth"
)

var writeEnv bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a worker key and print the router configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup(writeEnv)
	},
}

func init() {
	setupCmd.Flags().BoolVar(&writeEnv, "write-env", false, "write the configuration to .env (refuses to overwrite)")
}

// runSetup generates a worker key. The plaintext goes to the operator once;
// only its hash is configured on the router.
func runSetup(writeEnv bool) error {
	if writeEnv {
		if _, err := os.Stat(".env"); err == nil {
			return fmt.Errorf(".env already exists; remove it first or run setup without --write-env")
		}
	}

	key, err := auth.GenerateWorkerKey()
	if err != nil {
		return fmt.Errorf("generating worker key: %w", err)
	}

	fmt.Println("simrouter setup")
	fmt.Println("===============")
	fmt.Println()
	fmt.Println("=== WORKER KEY (for simworker) ===")
	fmt.Println("Give this key to the hosts running simworker:")
	fmt.Printf("  %s\n", key.Key)
	fmt.Println()
	fmt.Printf("  Use it with:  SIM_WORKER_KEY=%s simworker\n", key.Key)
	fmt.Println()
	fmt.Println("=== SAVE THIS KEY NOW ===")
	fmt.Println("The plaintext key above will NOT be shown again.")
	fmt.Println()

	envContent := fmt.Sprintf(
		"SIM_WORKER_KEY_HASH='%s'\n# SIM_STORE=redis  # or sqlite\n# SIM_REDIS_URL=redis://localhost:6379  # Optional: uses embedded Redis if not set\n",
		key.Hash,
	)

	if writeEnv {
		if err := os.WriteFile(".env", []byte(envContent), 0o600); err != nil {
			return fmt.Errorf("writing .env: %w", err)
		}
		fmt.Println("Wrote .env (mode 0600)")
		return nil
	}

	fmt.Println("=== .env FILE ===")
	fmt.Println("Copy this into your .env file (or re-run with --write-env):")
	fmt.Println()
	fmt.Print(envContent)
	return nil
}
