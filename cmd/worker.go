package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maibank/checkout-reconciler/internal"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run outside the HTTP server.`,
}

var sweepWorkerCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Start the stalled payment sweeper",
	Long:  `Periodically enqueue payments whose return callback never arrived and reconcile them against the bank.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweepWorker()
	},
}

var (
	sweepInterval  time.Duration
	sweepBatchSize int
)

func startSweepWorker() {
	// Use command line flags if provided, otherwise use config values
	deps, err := initializeDependencies(context.Background(), func(cfg *internal.Config) {
		if sweepInterval > 0 {
			cfg.Sweeper.Interval = sweepInterval
		}
		if sweepBatchSize > 0 {
			cfg.Sweeper.BatchSize = sweepBatchSize
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	log := deps.Logger
	log.Info("starting sweep worker",
		"interval", deps.Config.Sweeper.Interval,
		"stalled_after", deps.Config.Sweeper.StalledAfter,
		"batch_size", deps.Config.Sweeper.BatchSize,
		"intent", deps.Settings.Intent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- deps.Sweeper.Run(ctx)
	}()

	log.Info("sweep worker is running. Press Ctrl+C to stop.")

	select {
	case err := <-done:
		if err != nil {
			log.Error("sweep worker stopped", "error", err)
		}
		return
	case <-ctx.Done():
	}

	log.Info("received signal, shutting down sweep worker")

	select {
	case <-done:
		log.Info("sweep worker shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout reached, forcing exit")
	}
}

func init() {
	sweepWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Sweep interval (overrides config)")
	sweepWorkerCmd.Flags().IntVar(&sweepBatchSize, "batch-size", 0, "Queue items claimed per batch (overrides config)")

	workerCmd.AddCommand(sweepWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
