package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drillcontrol/internal/logging"
	"drillcontrol/internal/management"
)

var (
	forceSim        bool
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control core until interrupted",
	Long:  `Loads the configuration (writing defaults if missing), connects the rig, and serves operator consoles over IPC until SIGINT or SIGTERM.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&forceSim, "sim", false, "Use the simulated rig regardless of the configured driver")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Maximum time allowed for graceful shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	system, err := management.NewSystem(ctx, configPath, management.Options{ForceSim: forceSim})
	if err != nil {
		return fmt.Errorf("failed to create control system: %w", err)
	}
	if err := system.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control system: %w", err)
	}

	logger := logging.GetLogger("drillctl")
	cfg := system.Config()
	logger.Info("Serving",
		"config", configPath,
		"driver", cfg.Hardware.Driver,
		"ipc", system.Addr().String(),
		"sim_override", forceSim)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	// 关闭超时保护
	done := make(chan error, 1)
	go func() { done <- system.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("Graceful shutdown completed")
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %v", shutdownTimeout)
	}
}
