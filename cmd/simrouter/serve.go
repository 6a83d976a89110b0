package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/auxothq/simrouter/internal/router"
	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/logutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logutil.New(os.Stderr)

	cfg, err := router.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Start embedded miniredis if no SIM_REDIS_URL provided
	if cfg.Store == store.BackendRedis && cfg.RedisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("starting embedded redis: %w", err)
		}
		defer mr.Close()

		cfg.RedisURL = "redis://" + mr.Addr()
		cfg.EmbeddedRedis = true
		logger.Warn("SIM_REDIS_URL not set, using embedded in-memory redis; simulations are lost on restart",
			"addr", mr.Addr(),
		)
	}

	srv, err := router.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("server initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
